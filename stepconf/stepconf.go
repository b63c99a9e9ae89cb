// Package stepconf fills configuration structs from environment variables.
//
// Fields are bound with an `env` tag holding the variable name and an optional constraint:
//
//	Token   Secret        `env:"MEDIAUPLOAD_TOKEN,required"`
//	Chunk   int64         `env:"CHUNK_SIZE,size"`
//	Region  string        `env:"S3_PROVIDER,opt[aws,b2]"`
//	APIURL  string        `env:"MEDIAUPLOAD_API_URL,url"`
//	Timeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
//
// Supported constraints are required, file, dir, url, size and opt[...]. Values of
// opt[...] may be quoted with single quotes when they contain a comma.
package stepconf

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/colorstring"
	"github.com/docker/go-units"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	rangeRequired = "required"
	rangeFile     = "file"
	rangeDir      = "dir"
	rangeURL      = "url"
	rangeSize     = "size"
	rangeOptions  = "opt["
)

// ErrNotStructPtr is returned when Parse does not receive a pointer to a struct.
var ErrNotStructPtr = errors.New("must be called with a struct pointer")

// Secret is a string that is masked when printed.
type Secret string

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// EnvGetter reads environment variables.
type EnvGetter interface {
	Get(key string) string
}

type osEnvGetter struct{}

func (osEnvGetter) Get(key string) string {
	return os.Getenv(key)
}

// ParseError collects every field that failed to parse.
type ParseError struct {
	Fields []FieldError
}

// FieldError ...
type FieldError struct {
	Field string
	Env   string
	Err   error
}

func (e *ParseError) Error() string {
	lines := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		lines = append(lines, fmt.Sprintf("- %s (%s): %s", f.Field, f.Env, f.Err))
	}
	return "invalid config:\n" + strings.Join(lines, "\n")
}

// Parse populates conf from the process environment.
func Parse(conf interface{}) error {
	return parse(conf, osEnvGetter{})
}

func parse(conf interface{}, getter EnvGetter) error {
	c := reflect.ValueOf(conf)
	if c.Kind() != reflect.Ptr || c.IsNil() {
		return ErrNotStructPtr
	}
	c = c.Elem()
	if c.Kind() != reflect.Struct {
		return ErrNotStructPtr
	}

	var failed []FieldError
	t := c.Type()
	for i := 0; i < c.NumField(); i++ {
		field := t.Field(i)
		tag, ok := field.Tag.Lookup("env")
		if !ok || !field.IsExported() {
			continue
		}

		key, constraint := splitTag(tag)
		value := getter.Get(key)

		if err := validate(value, constraint); err != nil {
			failed = append(failed, FieldError{Field: field.Name, Env: key, Err: err})
			continue
		}
		if err := setField(c.Field(i), value, constraint); err != nil {
			failed = append(failed, FieldError{Field: field.Name, Env: key, Err: err})
		}
	}

	if len(failed) > 0 {
		return &ParseError{Fields: failed}
	}
	return nil
}

func splitTag(tag string) (string, string) {
	key, constraint, _ := strings.Cut(tag, ",")
	return key, constraint
}

func validate(value, constraint string) error {
	switch {
	case constraint == "":
		return nil
	case constraint == rangeRequired:
		if value == "" {
			return errors.New("required variable is not present")
		}
	case constraint == rangeFile, constraint == rangeDir:
		if value == "" {
			return nil
		}
		info, err := os.Stat(value)
		if err != nil {
			return fmt.Errorf("check path: %w", err)
		}
		if constraint == rangeDir && !info.IsDir() {
			return fmt.Errorf("%s is not a directory", value)
		}
		if constraint == rangeFile && info.IsDir() {
			return fmt.Errorf("%s is a directory", value)
		}
	case constraint == rangeURL:
		if value == "" {
			return nil
		}
		u, err := url.Parse(value)
		if err != nil {
			return err
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s is not an http(s) URL", value)
		}
	case constraint == rangeSize:
		if value == "" {
			return nil
		}
		if _, err := units.RAMInBytes(value); err != nil {
			return fmt.Errorf("invalid size: %w", err)
		}
	case strings.HasPrefix(constraint, rangeOptions) && strings.HasSuffix(constraint, "]"):
		options := parseOptions(strings.TrimSuffix(strings.TrimPrefix(constraint, rangeOptions), "]"))
		for _, option := range options {
			if option == value {
				return nil
			}
		}
		return fmt.Errorf("value %q is not one of %s", value, strings.Join(options, ", "))
	default:
		return fmt.Errorf("unknown constraint: %s", constraint)
	}

	return nil
}

// parseOptions splits a comma separated option list. Single quoted options may contain commas.
func parseOptions(list string) []string {
	var options []string
	var current strings.Builder
	quoted := false
	for _, r := range list {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == ',' && !quoted:
			options = append(options, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(options, current.String())
}

func setField(field reflect.Value, value, constraint string) error {
	if value == "" {
		return nil
	}

	if field.Kind() == reflect.Ptr {
		elem := reflect.New(field.Type().Elem())
		if err := setField(elem.Elem(), value, constraint); err != nil {
			return err
		}
		field.Set(elem)
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := parseInt(field.Type(), value, constraint)
		if err != nil {
			return err
		}
		if field.OverflowInt(n) {
			return fmt.Errorf("%s overflows %s", value, field.Type())
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		if field.OverflowUint(n) {
			return fmt.Errorf("%s overflows %s", value, field.Type())
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type())
		}
		items := strings.Split(value, "|")
		slice := reflect.MakeSlice(field.Type(), 0, len(items))
		for _, item := range items {
			slice = reflect.Append(slice, reflect.ValueOf(item).Convert(field.Type().Elem()))
		}
		field.Set(slice)
	default:
		return fmt.Errorf("unsupported type: %s", field.Type())
	}

	return nil
}

func parseInt(t reflect.Type, value, constraint string) (int64, error) {
	if t == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(value)
		if err != nil {
			return 0, err
		}
		return int64(d), nil
	}
	if constraint == rangeSize {
		return units.RAMInBytes(value)
	}
	return strconv.ParseInt(value, 10, 64)
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	return strconv.ParseBool(value)
}

// Print writes the config to stdout with secrets masked.
func Print(config interface{}) {
	fmt.Print(toString(config))
}

func toString(config interface{}) string {
	v := reflect.ValueOf(config)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return ""
	}
	t := v.Type()

	title := cases.Title(language.English, cases.NoLower).String(t.Name())
	str := colorstring.Bluef("%s:\n", title)
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		name := field.Name
		if tag, ok := field.Tag.Lookup("env"); ok {
			name, _ = splitTag(tag)
		}

		value := valueString(v.Field(i))
		if value == "" || v.Field(i).IsZero() {
			value = "<unset>"
		}
		str += fmt.Sprintf("- %s: %s\n", name, value)
	}

	return str
}

// valueString renders v, dereferencing pointers. A nil pointer renders as an empty string.
func valueString(v reflect.Value) string {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}

	if stringer, ok := v.Interface().(fmt.Stringer); ok {
		return stringer.String()
	}
	return fmt.Sprintf("%v", v.Interface())
}
