package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
)

type Job struct {
	Name            string           // name of the job.
	Cron            string           // cron expr.
	CronWithSeconds bool             // whether cron expr contains the second field.
	Run             func(Rail) error // actual job execution logic.
	LogJobExec      bool             // whether job execution should be logged, error msg is always logged.
}

// Cron scheduler backed by gocron.
type Scheduler struct {
	s *gocron.Scheduler
}

var (
	_scheduler     *Scheduler
	_schedulerOnce sync.Once
)

func init() {
	RegisterBootstrapCallback(ComponentBootstrap{
		Name:      "Bootstrap Cron Scheduler",
		Condition: func(rail Rail) (bool, error) { return getScheduler().Len() > 0, nil },
		Bootstrap: schedulerBootstrap,
		Order:     BootstrapOrderL4 + 1,
	})
}

func NewScheduler() *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.ChangeLocation(time.Local)
	return &Scheduler{s: s}
}

func getScheduler() *Scheduler {
	_schedulerOnce.Do(func() {
		_scheduler = NewScheduler()
	})
	return _scheduler
}

// Number of jobs scheduled.
func (s *Scheduler) Len() int {
	return s.s.Len()
}

// Add a cron job, the scheduler is not started.
func (s *Scheduler) ScheduleCron(job Job) error {
	wrappedJob := func() {
		rail := EmptyRail()
		if job.LogJobExec {
			rail.Infof("Running job '%s'", job.Name)
		}

		start := time.Now()
		err := runJob(rail, job)
		took := time.Since(start)
		if err != nil {
			rail.Errorf("Job '%s' failed, took: %s, %v", job.Name, took, err)
			return
		}
		if job.LogJobExec {
			rail.Infof("Job '%s' finished, took: %s", job.Name, took)
		}
	}

	var err error
	if job.CronWithSeconds {
		_, err = s.s.CronWithSeconds(job.Cron).Tag(job.Name).Do(wrappedJob)
	} else {
		_, err = s.s.Cron(job.Cron).Tag(job.Name).Do(wrappedJob)
	}
	if err != nil {
		return fmt.Errorf("failed to schedule cron job, cron: %v, withSeconds: %v, %w", job.Cron, job.CronWithSeconds, err)
	}
	return nil
}

func runJob(rail Rail, job Job) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("job panicked, %v", v)
		}
	}()
	return job.Run(rail)
}

func (s *Scheduler) StartAsync() {
	s.s.StartAsync()
}

func (s *Scheduler) Stop() {
	s.s.Stop()
}

// Add a cron job to the global scheduler, it's started when the app bootstraps.
func ScheduleCron(job Job) error {
	return getScheduler().ScheduleCron(job)
}

func schedulerBootstrap(rail Rail) error {
	s := getScheduler()
	s.StartAsync()
	rail.Info("Cron Scheduler started")
	AddShutdownHook(s.Stop)
	return nil
}
