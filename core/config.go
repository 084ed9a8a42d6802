package core

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

var (
	// regex for arg expansion, e.g., '${RABBITMQ_PASSWORD}'
	resolveArgRegexp = regexp.MustCompile(`\${[a-zA-Z0-9\-\_\.]+}`)

	globalConf = NewAppConfig()
)

// Application configuration backed by viper.
//
// Values are resolved in the order of: cli args (KEY=VALUE), environment variables
// (e.g., 'RABBITMQ_URL' for 'rabbitmq.url'), config file and finally the defaults.
type AppConfig struct {
	vp   *viper.Viper
	rwmu *sync.RWMutex
}

func NewAppConfig() *AppConfig {
	vp := viper.New()
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vp.AutomaticEnv()
	return &AppConfig{
		vp:   vp,
		rwmu: &sync.RWMutex{},
	}
}

// Set value for the prop
func (a *AppConfig) SetProp(prop string, val any) {
	a.rwmu.Lock()
	defer a.rwmu.Unlock()
	a.vp.Set(prop, val)
}

// Set default value for the prop
func (a *AppConfig) SetDefProp(prop string, defVal any) {
	a.rwmu.Lock()
	defer a.rwmu.Unlock()
	a.vp.SetDefault(prop, defVal)
}

// Check whether the prop exists
func (a *AppConfig) HasProp(prop string) bool {
	a.rwmu.RLock()
	defer a.rwmu.RUnlock()
	return a.vp.IsSet(prop)
}

func (a *AppConfig) GetPropInt(prop string) int {
	a.rwmu.RLock()
	defer a.rwmu.RUnlock()
	return cast.ToInt(a.vp.Get(prop))
}

func (a *AppConfig) GetPropBool(prop string) bool {
	a.rwmu.RLock()
	defer a.rwmu.RUnlock()
	return cast.ToBool(a.vp.Get(prop))
}

func (a *AppConfig) GetPropStrSlice(prop string) []string {
	a.rwmu.RLock()
	defer a.rwmu.RUnlock()
	return a.vp.GetStringSlice(prop)
}

// Get prop as time.Duration, the value is an integer in the given unit.
func (a *AppConfig) GetPropDur(prop string, unit time.Duration) time.Duration {
	return time.Duration(a.GetPropInt(prop)) * unit
}

/*
Get prop as string

If the value is an argument that can be expanded, the actual value will be resolved if possible.

e.g, for "password" : "${RABBITMQ_PASSWORD}".
*/
func (a *AppConfig) GetPropStr(prop string) string {
	a.rwmu.RLock()
	v := cast.ToString(a.vp.Get(prop))
	a.rwmu.RUnlock()
	return a.ResolveArg(v)
}

// Resolve '${someArg}' style variables, environment variables are checked first, then the props.
//
// Unresolvable variables are left as they are.
func (a *AppConfig) ResolveArg(arg string) string {
	return resolveArgRegexp.ReplaceAllStringFunc(arg, func(s string) string {
		key := s[2 : len(s)-1]
		if val := os.Getenv(key); val != "" {
			return val
		}
		a.rwmu.RLock()
		val := cast.ToString(a.vp.Get(key))
		a.rwmu.RUnlock()
		if val != "" && val != s {
			return val
		}
		return s
	})
}

// Load yaml config from io Reader, values are merged with previously loaded config.
//
// It's the caller's responsibility to close the provided reader.
func (a *AppConfig) LoadConfigFromReader(reader io.Reader) error {
	a.rwmu.Lock()
	defer a.rwmu.Unlock()
	a.vp.SetConfigType("yml")
	if err := a.vp.MergeConfig(reader); err != nil {
		return fmt.Errorf("failed to load config from reader: %v", err)
	}
	return nil
}

func (a *AppConfig) LoadConfigFromStr(s string) error {
	return a.LoadConfigFromReader(bytes.NewReader([]byte(s)))
}

func (a *AppConfig) LoadConfigFromFile(configFile string) error {
	if configFile == "" {
		return nil
	}

	f, err := os.Open(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("unable to find config file: '%s'", configFile)
		}
		return fmt.Errorf("failed to open config file: '%s', %v", configFile, err)
	}
	defer f.Close()

	if err := a.LoadConfigFromReader(f); err != nil {
		return fmt.Errorf("failed to load config file: '%s', %v", configFile, err)
	}
	return nil
}

// Overwrite loaded config using cli args in 'KEY=VALUE' form.
func (a *AppConfig) OverwriteConf(args []string) {
	for k, v := range ArgKeyVal(args) {
		if len(v) == 1 {
			a.SetProp(k, v[0])
		} else {
			a.SetProp(k, v)
		}
	}
}

/*
Default way to read config.

The config file is 'conf.yml' unless 'configFile=/path/to/file' is specified in args. A missing config file is not
an error, defaults and environment variables still apply.

Values loaded from file can be overriden by cli args using `KEY=VALUE` syntax.
*/
func (a *AppConfig) DefaultReadConfig(args []string) {
	f := GuessConfigFilePath(args)
	if err := a.LoadConfigFromFile(f); err != nil {
		Debugf("Failed to load config file, file: %v, %v", f, err)
	} else {
		Infof("Loaded config file: %v", f)
	}
	a.OverwriteConf(args)
}

// Parse CLI args to key-value map
func ArgKeyVal(args []string) map[string][]string {
	m := map[string][]string{}
	for _, s := range args {
		eq := strings.Index(s, "=")
		if eq == -1 {
			continue
		}
		key := strings.TrimSpace(s[:eq])
		val := strings.TrimSpace(s[eq+1:])
		m[key] = append(m[key], val)
	}
	return m
}

// Guess config file path.
//
// It looks for the arg that matches the pattern "configFile=/path/to/configFile", it's by default 'conf.yml'.
func GuessConfigFilePath(args []string) string {
	if v, ok := ArgKeyVal(args)["configFile"]; ok && len(v) > 0 && strings.TrimSpace(v[0]) != "" {
		return v[0]
	}
	return "conf.yml"
}

// Global config.
func Conf() *AppConfig {
	return globalConf
}

func SetProp(prop string, val any) {
	globalConf.SetProp(prop, val)
}

func SetDefProp(prop string, defVal any) {
	globalConf.SetDefProp(prop, defVal)
}

func GetPropInt(prop string) int {
	return globalConf.GetPropInt(prop)
}

func GetPropBool(prop string) bool {
	return globalConf.GetPropBool(prop)
}

func GetPropStr(prop string) string {
	return globalConf.GetPropStr(prop)
}

func GetPropDur(prop string, unit time.Duration) time.Duration {
	return globalConf.GetPropDur(prop, unit)
}
