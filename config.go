package chainlog

import (
	"os"
	"sort"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Config declares formatters, handlers, and logger settings in one document.
// Configuration is applied on top of the registry's current state: entries
// merge with, rather than replace, what is already installed. Use Clear first
// for a from-scratch configuration.
type Config struct {
	Formatters map[string]FormatterConfig `mapstructure:"formatters" yaml:"formatters"`
	Handlers   map[string]HandlerConfig   `mapstructure:"handlers" yaml:"handlers"`
	Loggers    map[string]LoggerConfig    `mapstructure:"loggers" yaml:"loggers"`
}

// FormatterConfig declares one named formatter. Type selects a registered
// formatter constructor; every other key is passed to it as a setting, and
// the constructor rejects keys it does not recognize.
type FormatterConfig struct {
	Type     string                 `mapstructure:"type"`
	Settings map[string]interface{} `mapstructure:",remain"`
}

// HandlerConfig declares one named handler. Formatter references a formatter
// by name ("text" when empty); Level is the handler's own threshold ("debug"
// when empty). Remaining keys go to the handler constructor.
type HandlerConfig struct {
	Type      string                 `mapstructure:"type"`
	Formatter string                 `mapstructure:"formatter"`
	Level     string                 `mapstructure:"level"`
	Settings  map[string]interface{} `mapstructure:",remain"`
}

// LoggerConfig declares explicit overrides for one logger. Absent fields
// leave the logger's current state alone, so the attribute keeps resolving
// through the ancestor chain.
type LoggerConfig struct {
	Level           string   `mapstructure:"level" yaml:"level"`
	Handlers        []string `mapstructure:"handlers" yaml:"handlers"`
	SampleRate      *float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
	SamplePropagate *bool    `mapstructure:"sample_propagate" yaml:"sample_propagate"`
	CaptureTrace    *bool    `mapstructure:"capture_trace" yaml:"capture_trace"`
}

// Configure applies cfg to the registry: formatters first, then handlers,
// then loggers, so later sections can reference earlier ones by name. Any
// unknown type, name reference, or setting fails the whole call; partial
// application up to the failing entry is possible, matching merge semantics.
// Configured loggers become persistent.
func (r *Registry) Configure(cfg Config) error {
	for _, name := range sortedKeys(cfg.Formatters) {
		fc := cfg.Formatters[name]
		r.mu.Lock()
		ctor, ok := r.formatterTypes[fc.Type]
		r.mu.Unlock()
		if !ok {
			return errors.Wrapf(ErrUnknownFormatterType, "formatter %q type %q", name, fc.Type)
		}
		f, err := ctor(fc.Settings)
		if err != nil {
			return errors.Wrapf(err, "formatter %q", name)
		}
		r.AddFormatter(name, f)
	}

	for _, name := range sortedKeys(cfg.Handlers) {
		hc := cfg.Handlers[name]
		r.mu.Lock()
		ctor, ok := r.handlerTypes[hc.Type]
		r.mu.Unlock()
		if !ok {
			return errors.Wrapf(ErrUnknownHandlerType, "handler %q type %q", name, hc.Type)
		}

		formatterName := hc.Formatter
		if formatterName == "" {
			formatterName = "text"
		}
		formatter, ok := r.Formatter(formatterName)
		if !ok {
			return errors.Errorf("handler %q references unknown formatter %q", name, formatterName)
		}

		level := Debug
		if hc.Level != "" {
			parsed, err := ParseLevel(hc.Level)
			if err != nil {
				return errors.Wrapf(err, "handler %q", name)
			}
			level = parsed
		}

		h, err := ctor(formatter, level, hc.Settings)
		if err != nil {
			return errors.Wrapf(err, "handler %q", name)
		}
		if err := r.AddHandler(name, h); err != nil {
			return err
		}
	}

	// Lexicographic order visits parents before their children, so a child's
	// explicit override lands after anything its parent's entry set.
	for _, name := range sortedKeys(cfg.Loggers) {
		lc := cfg.Loggers[name]
		l := r.GetLogger(name, true)

		if lc.Level != "" {
			level, err := ParseLevel(lc.Level)
			if err != nil {
				return errors.Wrapf(err, "logger %q", name)
			}
			l.SetLevel(level)
		}
		if lc.Handlers != nil {
			handlers := make([]Handler, 0, len(lc.Handlers))
			for _, handlerName := range lc.Handlers {
				h, ok := r.Handler(handlerName)
				if !ok {
					return errors.Errorf("logger %q references unknown handler %q", name, handlerName)
				}
				handlers = append(handlers, h)
			}
			l.SetHandlers(handlers...)
		}
		if lc.SampleRate != nil {
			l.SetSampleRate(*lc.SampleRate)
		}
		if lc.SamplePropagate != nil {
			l.SetSamplePropagate(*lc.SamplePropagate)
		}
		if lc.CaptureTrace != nil {
			l.SetCaptureTrace(*lc.CaptureTrace)
		}
	}
	return nil
}

// ConfigureMap decodes a generic document (parsed YAML or JSON, literal test
// fixtures) into a Config and applies it. Unknown keys anywhere in the
// document fail the call before anything is applied.
func (r *Registry) ConfigureMap(doc map[string]interface{}) error {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &cfg,
		ErrorUnused: true,
	})
	if err != nil {
		return errors.Wrap(err, "build config decoder")
	}
	if err := dec.Decode(doc); err != nil {
		return errors.Wrap(err, "decode config")
	}
	return r.Configure(cfg)
}

// LoadConfigFile reads a YAML configuration document and applies it.
func (r *Registry) LoadConfigFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return errors.Wrapf(err, "parse config file %s", path)
	}
	return r.ConfigureMap(doc)
}

// Configure applies cfg to the default registry.
func Configure(cfg Config) error {
	return Default().Configure(cfg)
}

// ConfigureMap applies a generic configuration document to the default
// registry.
func ConfigureMap(doc map[string]interface{}) error {
	return Default().ConfigureMap(doc)
}

// LoadConfigFile applies a YAML configuration file to the default registry.
func LoadConfigFile(path string) error {
	return Default().LoadConfigFile(path)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// settingsReader consumes a settings map key by key with loose scalar
// conversion, collecting conversion failures and flagging leftover keys so
// constructors fail fast on typos.
type settingsReader struct {
	values map[string]interface{}
	err    error
}

func newSettingsReader(settings map[string]interface{}) *settingsReader {
	values := make(map[string]interface{}, len(settings))
	for k, v := range settings {
		values[k] = v
	}
	return &settingsReader{values: values}
}

func (sr *settingsReader) take(key string) (interface{}, bool) {
	v, ok := sr.values[key]
	if ok {
		delete(sr.values, key)
	}
	return v, ok
}

func (sr *settingsReader) fail(key string, err error) {
	if sr.err == nil {
		sr.err = errors.Wrapf(err, "setting %q", key)
	}
}

func (sr *settingsReader) String(key, def string) string {
	v, ok := sr.take(key)
	if !ok {
		return def
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		sr.fail(key, err)
		return def
	}
	return s
}

func (sr *settingsReader) Bool(key string, def bool) bool {
	v, ok := sr.take(key)
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		sr.fail(key, err)
		return def
	}
	return b
}

func (sr *settingsReader) Int(key string, def int) int {
	v, ok := sr.take(key)
	if !ok {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		sr.fail(key, err)
		return def
	}
	return n
}

func (sr *settingsReader) Uint64(key string, def uint64) uint64 {
	v, ok := sr.take(key)
	if !ok {
		return def
	}
	n, err := cast.ToUint64E(v)
	if err != nil {
		sr.fail(key, err)
		return def
	}
	return n
}

func (sr *settingsReader) Duration(key string, def time.Duration) time.Duration {
	v, ok := sr.take(key)
	if !ok {
		return def
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		sr.fail(key, err)
		return def
	}
	return d
}

// finish returns the first conversion failure, or an error naming any keys
// the constructor never consumed.
func (sr *settingsReader) finish() error {
	if sr.err != nil {
		return sr.err
	}
	if len(sr.values) > 0 {
		return errors.Errorf("unknown settings %v", sortedKeys(sr.values))
	}
	return nil
}

// newTextFormatterFromSettings builds the "text" formatter type.
// Settings: template, time_format.
func newTextFormatterFromSettings(settings map[string]interface{}) (Formatter, error) {
	sr := newSettingsReader(settings)
	f := &TextFormatter{
		Template:   sr.String("template", DefaultTextTemplate),
		TimeFormat: sr.String("time_format", DefaultTimeFormat),
	}
	if err := sr.finish(); err != nil {
		return nil, err
	}
	return f, nil
}

// newJSONFormatterFromSettings builds the "json" formatter type.
// Settings: time_format.
func newJSONFormatterFromSettings(settings map[string]interface{}) (Formatter, error) {
	sr := newSettingsReader(settings)
	f := NewJSONFormatter()
	f.TimeFormat = sr.String("time_format", DefaultTimeFormat)
	if err := sr.finish(); err != nil {
		return nil, err
	}
	return f, nil
}

// newStreamHandlerFromSettings builds the "stream" handler type.
// Settings: route ("stderr", "stdout", or a file path).
func newStreamHandlerFromSettings(formatter Formatter, level Level, settings map[string]interface{}) (Handler, error) {
	sr := newSettingsReader(settings)
	route := sr.String("route", RouteStderr)
	if err := sr.finish(); err != nil {
		return nil, err
	}
	return NewStreamHandler(route, formatter, level), nil
}

// newQueueHandlerFromSettings builds the "queue" handler type.
// Settings: sink ("stderr", "stdout", "file", "nats"), path, compress, url,
// subject, capacity, policy, batch_size, flush_interval, write_retries,
// retry_interval.
func newQueueHandlerFromSettings(formatter Formatter, level Level, settings map[string]interface{}) (Handler, error) {
	sr := newSettingsReader(settings)

	var sink Sink
	switch kind := sr.String("sink", RouteStderr); kind {
	case RouteStderr:
		sink = NewWriterSink(RouteStderr, os.Stderr)
	case RouteStdout:
		sink = NewWriterSink(RouteStdout, os.Stdout)
	case "file":
		path := sr.String("path", "")
		if path == "" {
			return nil, errors.New(`file sink requires a "path" setting`)
		}
		var fileOpts []FileSinkOption
		if sr.Bool("compress", false) {
			fileOpts = append(fileOpts, WithCompression())
		}
		sink = NewFileSink(path, fileOpts...)
	case "nats":
		url := sr.String("url", "")
		subject := sr.String("subject", "")
		if url == "" || subject == "" {
			return nil, errors.New(`nats sink requires "url" and "subject" settings`)
		}
		sink = NewNATSSink(url, subject)
	default:
		return nil, errors.Wrapf(ErrUnknownSink, "%q", kind)
	}

	policy, err := ParseQueuePolicy(sr.String("policy", ""))
	if err != nil {
		return nil, err
	}

	opts := []QueueOption{
		WithQueuePolicy(policy),
		WithQueueCapacity(sr.Int("capacity", 0)),
		WithBatchSize(sr.Int("batch_size", DefaultBatchSize)),
		WithFlushInterval(sr.Duration("flush_interval", DefaultFlushInterval)),
		WithWriteRetries(sr.Uint64("write_retries", DefaultWriteRetries)),
		WithRetryInterval(sr.Duration("retry_interval", DefaultRetryInterval)),
	}
	if err := sr.finish(); err != nil {
		return nil, err
	}
	return NewQueueHandler(sink, formatter, level, opts...), nil
}
