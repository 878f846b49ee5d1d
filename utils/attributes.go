package utils

import (
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// Attributes are the free-form, model specific settings of a configured component.
type Attributes map[string]interface{}

// DecodeAttributes decodes free-form attributes into a typed config struct using its json tags.
// Unknown keys are rejected so typos in a config file surface early.
func DecodeAttributes[T any](attrs Attributes) (*T, error) {
	var conf T
	if err := DecodeAttributesInto(attrs, &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

// DecodeAttributesInto decodes attributes over an existing value, keeping fields the attributes
// do not mention. Durations may be given as strings such as "5s".
func DecodeAttributesInto[T any](attrs Attributes, into *T) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           into,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(map[string]interface{}(attrs)); err != nil {
		return errors.Wrapf(err, "decoding attributes into %T", *into)
	}
	return nil
}

// NewUnexpectedTypeError is used when there is a type mismatch.
func NewUnexpectedTypeError[ExpectedT any](actual interface{}) error {
	return errors.Errorf("expected %T but got %T", *new(ExpectedT), actual)
}

// AssertType attempts to assert that the given interface argument is
// the given type parameter.
func AssertType[T any](from interface{}) (T, error) {
	var zero T
	asserted, ok := from.(T)
	if !ok {
		return zero, NewUnexpectedTypeError[T](from)
	}
	return asserted, nil
}
