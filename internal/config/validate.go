package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/e7canasta/orion-vision/modules/detection"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	if err := validate.RegisterValidation("protocol", validateProtocol); err != nil {
		panic(err)
	}
}

var protocols = map[string]bool{
	detection.ProtocolRTSP:      true,
	detection.ProtocolRTMP:      true,
	detection.ProtocolHTTP:      true,
	detection.ProtocolHTTPS:     true,
	detection.ProtocolFile:      true,
	detection.ProtocolSynthetic: true,
}

// validateProtocol accepts a known stream protocol tag, case-insensitively.
func validateProtocol(fl validator.FieldLevel) bool {
	return protocols[strings.ToLower(fl.Field().String())]
}

// Struct validates any struct carrying validate tags, including the
// "protocol" rule. Failures are returned as one error listing every field.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
	}
	return &detection.ConfigError{Key: "config", Message: strings.Join(msgs, "; ")}
}

// Validate checks cfg and the uniqueness of service ids.
func Validate(cfg *Config) error {
	if err := Struct(cfg); err != nil {
		return err
	}
	seen := make(map[string]bool, len(cfg.Services))
	for i, s := range cfg.Services {
		if s.ID == "" {
			continue
		}
		if seen[s.ID] {
			return &detection.ConfigError{Key: fmt.Sprintf("services[%d].id", i), Message: fmt.Sprintf("duplicate id %q", s.ID)}
		}
		seen[s.ID] = true
	}
	return nil
}
