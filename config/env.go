package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/iancoleman/strcase"
)

// EnvPrefix starts every override variable.
const EnvPrefix = "MCP"

var durationType = reflect.TypeOf(Duration(0))

// ApplyEnv overrides settings from variables named MCP_<SECTION>_<KEY>, for example
// MCP_SERVER_BIND_ADDRESS or MCP_OAUTH2_JWKS_URL. Lists are comma separated. Lists of tables,
// such as api keys, can only be set in the file.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	return walkEnv(c, func(name string, field reflect.Value) error {
		raw, ok := lookup(name)
		if !ok {
			return nil
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		return nil
	})
}

// EnvNames lists every variable ApplyEnv reads.
func EnvNames() []string {
	var names []string
	var c Config
	_ = walkEnv(&c, func(name string, _ reflect.Value) error {
		names = append(names, name)
		return nil
	})
	return names
}

func walkEnv(c *Config, visit func(name string, field reflect.Value) error) error {
	root := reflect.ValueOf(c).Elem()
	for i := range root.NumField() {
		section := root.Type().Field(i)
		prefix := EnvPrefix + "_" + strings.ToUpper(yamlName(section)) + "_"

		sv := root.Field(i)
		for j := range sv.NumField() {
			f := sv.Type().Field(j)
			if !settable(f.Type) {
				continue
			}
			name := prefix + strcase.ToScreamingSnake(yamlName(f))
			if err := visit(name, sv.Field(j)); err != nil {
				return err
			}
		}
	}
	return nil
}

func yamlName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	if name == "" {
		return f.Name
	}
	return name
}

func settable(t reflect.Type) bool {
	if t == durationType {
		return true
	}
	switch t.Kind() {
	case reflect.String, reflect.Bool, reflect.Int, reflect.Int64, reflect.Float64:
		return true
	case reflect.Slice:
		return t.Elem().Kind() == reflect.String
	}
	return false
}

func setField(v reflect.Value, raw string) error {
	if v.Type() == durationType {
		var d Duration
		if err := d.UnmarshalText([]byte(raw)); err != nil {
			return err
		}
		v.Set(reflect.ValueOf(d))
		return nil
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		v.SetFloat(f)
	case reflect.Slice:
		var items []string
		for item := range strings.SplitSeq(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		v.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported kind %s", v.Kind())
	}
	return nil
}
