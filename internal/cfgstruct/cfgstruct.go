// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package cfgstruct translates annotated configuration structs into flags.
package cfgstruct

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// ConfVar is a configuration variable for defaults interpolation, such as
// $CONFDIR.
type ConfVar struct {
	val   string
	setup bool
}

// BindOpt is an option for the Bind method.
type BindOpt struct {
	isDev   *bool
	isSetup *bool
	varfn   func(vars map[string]ConfVar)
}

// ConfDir sets the $CONFDIR interpolation value for defaults.
func ConfDir(path string) BindOpt {
	val := strings.TrimSuffix(path, "/")
	return BindOpt{varfn: func(vars map[string]ConfVar) {
		vars["CONFDIR"] = ConfVar{val: val}
	}}
}

// SetupMode issues the bound flags with the setup annotation, so they are
// excluded from saved configuration.
func SetupMode() BindOpt {
	setup := true
	return BindOpt{isSetup: &setup}
}

// UseDevDefaults forces the bind to use development defaults unless
// a default is explicitly provided.
func UseDevDefaults() BindOpt {
	dev := true
	return BindOpt{isDev: &dev}
}

// UseReleaseDefaults forces the bind to use release defaults unless
// a default is explicitly provided.
func UseReleaseDefaults() BindOpt {
	dev := false
	return BindOpt{isDev: &dev}
}

// DefaultsType returns the type of defaults (dev/release) this binary
// should use, based on the environment.
func DefaultsType() string {
	dt := strings.ToLower(os.Getenv("UPDRAFT_DEFAULTS"))
	if dt != "" {
		return dt
	}
	return "release"
}

// DefaultsFlag infers the defaults mode and returns the matching BindOpt.
func DefaultsFlag(cmd *cobra.Command) BindOpt {
	if DefaultsType() == "dev" {
		return UseDevDefaults()
	}
	return UseReleaseDefaults()
}

// SetupFlag registers a flag that needs to be parsed before configuration
// loading, such as --config-dir.
func SetupFlag(log *zap.Logger, cmd *cobra.Command, value *string, name, vip, usage string) {
	if vip != "" {
		usage += fmt.Sprintf(" (default %q)", vip)
	}
	cmd.PersistentFlags().StringVar(value, name, vip, usage)
	if err := cmd.PersistentFlags().SetAnnotation(name, "setup", []string{"true"}); err != nil {
		log.Error("failed to set flag annotation", zap.String("flag", name), zap.Error(err))
	}
}

// Bind sets flags on a FlagSet that match the configuration struct
// 'config'. This works recursively on sub-structs.
func Bind(flags *pflag.FlagSet, config interface{}, opts ...BindOpt) {
	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr {
		panic(fmt.Sprintf("invalid config type: %#v, expecting pointer to struct", config))
	}

	isDev := DefaultsType() == "dev"
	isSetup := false
	vars := map[string]ConfVar{}
	for _, opt := range opts {
		if opt.varfn != nil {
			opt.varfn(vars)
		}
		if opt.isDev != nil {
			isDev = *opt.isDev
		}
		if opt.isSetup != nil {
			isSetup = *opt.isSetup
		}
	}

	bindConfig(flags, "", ptr.Elem(), vars, isDev, isSetup)
}

func bindConfig(flags *pflag.FlagSet, prefix string, val reflect.Value, vars map[string]ConfVar, isDev, isSetup bool) {
	if val.Kind() != reflect.Struct {
		panic(fmt.Sprintf("invalid config type: %#v, expecting struct", val.Interface()))
	}
	typ := val.Type()

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if field.PkgPath != "" {
			continue // unexported
		}
		fieldval := val.Field(i)
		flagname := prefix + hyphenate(snakeCase(field.Name))

		onlyForSetup := readBool(field.Tag, "setup") || isSetup

		if field.Type.Kind() == reflect.Struct && !fieldval.Addr().Type().Implements(pflagValueType) {
			bindConfig(flags, flagname+".", fieldval, vars, isDev, onlyForSetup)
			continue
		}

		help := field.Tag.Get("help")
		def := field.Tag.Get("default")
		if isDev {
			if v, ok := field.Tag.Lookup("devDefault"); ok {
				def = v
			}
		} else {
			if v, ok := field.Tag.Lookup("releaseDefault"); ok {
				def = v
			}
		}
		def = expand(def, vars)

		fieldaddr := fieldval.Addr().Interface()
		if fieldvalue, ok := fieldaddr.(pflag.Value); ok {
			if def != "" {
				if err := fieldvalue.Set(def); err != nil {
					panic(fmt.Sprintf("invalid default %q for flag %s: %v", def, flagname, err))
				}
			}
			flags.Var(fieldvalue, flagname, help)
		} else {
			switch field.Type {
			case reflect.TypeOf(time.Duration(0)):
				flags.DurationVar(fieldaddr.(*time.Duration), flagname, parseDuration(flagname, def), help)
			default:
				switch field.Type.Kind() {
				case reflect.String:
					flags.StringVar(fieldaddr.(*string), flagname, def, help)
				case reflect.Bool:
					flags.BoolVar(fieldaddr.(*bool), flagname, parseBool(flagname, def), help)
				case reflect.Int:
					flags.IntVar(fieldaddr.(*int), flagname, int(parseInt(flagname, def)), help)
				case reflect.Int64:
					flags.Int64Var(fieldaddr.(*int64), flagname, parseInt(flagname, def), help)
				case reflect.Uint:
					flags.UintVar(fieldaddr.(*uint), flagname, uint(parseUint(flagname, def)), help)
				case reflect.Uint64:
					flags.Uint64Var(fieldaddr.(*uint64), flagname, parseUint(flagname, def), help)
				case reflect.Float64:
					flags.Float64Var(fieldaddr.(*float64), flagname, parseFloat(flagname, def), help)
				default:
					panic(fmt.Sprintf("invalid field type %s for flag %s", field.Type, flagname))
				}
			}
		}

		if readBool(field.Tag, "hidden") {
			if err := flags.MarkHidden(flagname); err != nil {
				panic(err)
			}
		}
		setAnnotation(flags, flagname, "user", readBool(field.Tag, "user"))
		setAnnotation(flags, flagname, "hidden", readBool(field.Tag, "hidden"))
		setAnnotation(flags, flagname, "internal", readBool(field.Tag, "internal"))
		setAnnotation(flags, flagname, "setup", onlyForSetup)
	}
}

var pflagValueType = reflect.TypeOf((*pflag.Value)(nil)).Elem()

func setAnnotation(flags *pflag.FlagSet, name, key string, value bool) {
	if !value {
		return
	}
	if err := flags.SetAnnotation(name, key, []string{"true"}); err != nil {
		panic(err)
	}
}

func readBool(tag reflect.StructTag, key string) bool {
	return tag.Get(key) == "true"
}

func expand(s string, vars map[string]ConfVar) string {
	return os.Expand(s, func(k string) string {
		if v, ok := vars[k]; ok {
			return v.val
		}
		return "$" + k
	})
}

func parseBool(flagname, s string) bool {
	if s == "" {
		return false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		panic(fmt.Sprintf("invalid bool default for flag %s: %q", flagname, s))
	}
	return v
}

func parseInt(flagname, s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid int default for flag %s: %q", flagname, s))
	}
	return v
}

func parseUint(flagname, s string) uint64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid uint default for flag %s: %q", flagname, s))
	}
	return v
}

func parseFloat(flagname, s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid float default for flag %s: %q", flagname, s))
	}
	return v
}

func parseDuration(flagname, s string) time.Duration {
	if s == "" {
		return 0
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration default for flag %s: %q", flagname, s))
	}
	return v
}

// snakeCase converts CamelCase to snake_case. Acronym runs split before
// their last letter, so "URLSecret" becomes "url_secret".
func snakeCase(val string) string {
	result := make([]byte, 0, len(val)+5)
	for i, r := range val {
		if i > 0 && unicode.IsUpper(r) &&
			(isLowerAt(val, i-1) || i+1 < len(val) && isLowerAt(val, i+1)) {
			result = append(result, '_')
		}
		result = append(result, byte(unicode.ToLower(r)))
	}
	return string(result)
}

func isLowerAt(val string, i int) bool {
	return val[i] >= 'a' && val[i] <= 'z' || val[i] >= '0' && val[i] <= '9'
}

// hyphenate converts snake_case to hyphenated flag names.
func hyphenate(val string) string {
	return strings.ReplaceAll(val, "_", "-")
}
