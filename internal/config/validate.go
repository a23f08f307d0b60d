package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(strings.TrimSpace(fl.Field().String()))
		return err == nil && d >= 0
	})
	_ = v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		_, err := time.Parse("15:04", strings.TrimSpace(fl.Field().String()))
		return err == nil
	})
	return v
}

// Validate checks field constraints and cross references of the document.
// Domain rules that need the engine types (threshold ordering, quiet hours
// parsing) are checked when the document is mapped onto components.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, fieldError(fe))
		}
	}

	subjects := map[string]bool{}
	for i, s := range cfg.Relations.Subjects {
		if subjects[s.ID] {
			errs = append(errs, fmt.Errorf("relations.subjects[%d]: duplicate id %q", i, s.ID))
		}
		subjects[s.ID] = true
	}
	observers := map[string]bool{}
	for i, o := range cfg.Relations.Observers {
		if observers[o.ID] {
			errs = append(errs, fmt.Errorf("relations.observers[%d]: duplicate id %q", i, o.ID))
		}
		observers[o.ID] = true
		if (o.QuietStart == "") != (o.QuietEnd == "") {
			errs = append(errs, fmt.Errorf("relations.observers[%d]: quiet_start and quiet_end must be set together", i))
		}
	}
	seen := map[PairConfig]bool{}
	for i, p := range cfg.Relations.Pairs {
		if p.Subject != "" && !subjects[p.Subject] {
			errs = append(errs, fmt.Errorf("relations.pairs[%d]: unknown subject %q", i, p.Subject))
		}
		if p.Observer != "" && !observers[p.Observer] {
			errs = append(errs, fmt.Errorf("relations.pairs[%d]: unknown observer %q", i, p.Observer))
		}
		if seen[p] {
			errs = append(errs, fmt.Errorf("relations.pairs[%d]: duplicate pair %s/%s", i, p.Subject, p.Observer))
		}
		seen[p] = true
	}

	if cfg.Liveness.Driver == "redis" && strings.TrimSpace(cfg.Liveness.Redis.Addr) == "" {
		errs = append(errs, errors.New("liveness.redis.addr is required when liveness.driver=redis"))
	}
	if op := cfg.Channels.Operator; op != nil && !cfg.Channels.Has(op.Channel) {
		errs = append(errs, fmt.Errorf("channels.operator.channel: %q is not an enabled channel", op.Channel))
	}
	return errors.Join(errs...)
}

func fieldError(fe validator.FieldError) error {
	path := fe.Namespace()
	if _, rest, ok := strings.Cut(path, "."); ok {
		path = rest
	}
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Errorf("%s: required", path)
	case "duration":
		return fmt.Errorf("%s: invalid duration %q", path, fe.Value())
	case "hhmm":
		return fmt.Errorf("%s: %q is not HH:MM", path, fe.Value())
	case "oneof":
		return fmt.Errorf("%s: %q must be one of [%s]", path, fe.Value(), fe.Param())
	}
	if fe.Param() != "" {
		return fmt.Errorf("%s: failed %s=%s", path, fe.Tag(), fe.Param())
	}
	return fmt.Errorf("%s: failed %s", path, fe.Tag())
}

// Has reports whether a channel with the given tier name is enabled.
func (c ChannelsConfig) Has(name string) bool {
	for _, n := range c.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// Names lists the tier names of the enabled channels.
func (c ChannelsConfig) Names() []string {
	var out []string
	if c.Telegram != nil {
		out = append(out, "push")
	}
	if c.SMS != nil {
		out = append(out, "sms")
	}
	if c.Dispatch != nil {
		out = append(out, "dispatch")
	}
	if n := strings.TrimSpace(c.Log); n != "" {
		out = append(out, n)
	}
	return out
}
