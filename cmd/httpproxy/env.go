package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

var envReplacer = strings.NewReplacer(".", "_", "-", "_")

// bindAll fills the flags of cmd that were not set on the command line, from
// HTTPPROXY_* variables first and then from the YAML flags file.
func bindAll(cmd *cobra.Command, envPrefix, flagsFileFlag string) error {
	fs := cmd.Flags()
	v := viper.New()

	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		err = multierr.Append(err, v.BindEnv(f.Name, envName(envPrefix, f.Name)))
	})
	if err != nil {
		return err
	}

	if file := flagsFile(fs, v, flagsFileFlag); file != "" {
		v.SetConfigType("yaml")
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("flags file %s: %w", file, err)
		}
	}

	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		err = multierr.Append(err, setFlag(f, v.Get(f.Name)))
	})
	return err
}

func flagsFile(fs *pflag.FlagSet, v *viper.Viper, name string) string {
	if name == "" {
		return ""
	}
	if f := fs.Lookup(name); f != nil && f.Changed {
		return f.Value.String()
	}
	return v.GetString(name)
}

// setFlag sets f from an environment string or a decoded YAML value. Lists
// come as comma separated strings from the environment and as sequences from
// YAML.
func setFlag(f *pflag.Flag, val any) error {
	var err error
	if sv, ok := f.Value.(pflag.SliceValue); ok {
		err = sv.Replace(listOf(val))
	} else {
		err = f.Value.Set(fmt.Sprint(val))
	}
	if err != nil {
		return fmt.Errorf("--%s: %w", f.Name, err)
	}
	return nil
}

func listOf(val any) []string {
	switch x := val.(type) {
	case string:
		var out []string
		for _, s := range strings.Split(x, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, fmt.Sprint(e))
		}
		return out
	default:
		return []string{fmt.Sprint(x)}
	}
}

// appendEnvToUsage appends the environment variable name to the usage of
// each flag.
func appendEnvToUsage(fs *pflag.FlagSet, envPrefix string) {
	fs.VisitAll(func(f *pflag.Flag) {
		f.Usage += fmt.Sprintf(" (env %s)", envName(envPrefix, f.Name))
	})
}

func envName(envPrefix, flagName string) string {
	return strings.ToUpper(envPrefix + "_" + envReplacer.Replace(flagName))
}
