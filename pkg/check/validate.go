// Package check validates configuration trees.
package check

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Validatable is implemented by anything that has fields that should be validated.
type Validatable interface {
	Validate() []error
}

// ValidationError collects every failed check of a tree.
type ValidationError struct {
	Errs []error
}

func (v ValidationError) Error() string {
	msgs := make([]string, 0, len(v.Errs))
	for _, err := range v.Errs {
		msgs = append(msgs, err.Error())
	}
	sort.Strings(msgs)
	return fmt.Sprintf("%d validation errors:\n\t%s", len(v.Errs), strings.Join(msgs, "\n\t"))
}

// Validate walks v and calls Validate on every Validatable it reaches, including v itself.
// Errors are prefixed with the field path they were found at.
func Validate(v interface{}) error {
	errs := walk(reflect.ValueOf(v), "config")
	if len(errs) == 0 {
		return nil
	}
	return ValidationError{Errs: errs}
}

func walk(v reflect.Value, path string) []error {
	if !v.IsValid() {
		return nil
	}
	var errs []error
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return walk(v.Elem(), path)
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			errs = append(errs, walk(v.Index(i), fmt.Sprintf("%s[%d]", path, i))...)
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			errs = append(errs, walk(v.MapIndex(key), fmt.Sprintf("%s[%v]", path, key.Interface()))...)
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			errs = append(errs, walk(v.Field(i), path+"."+jsonName(t.Field(i)))...)
		}
	}

	// Value receivers and pointer receivers both count.
	addressable := reflect.New(v.Type())
	addressable.Elem().Set(v)
	if validatable, ok := addressable.Interface().(Validatable); ok {
		for _, err := range validatable.Validate() {
			if err != nil {
				errs = append(errs, errors.Wrapf(err, "at %s", path))
			}
		}
	}
	return errs
}

func jsonName(f reflect.StructField) string {
	tag := strings.Split(f.Tag.Get("json"), ",")[0]
	if tag == "" || tag == "-" {
		return f.Name
	}
	return tag
}
