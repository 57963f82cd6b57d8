package cli

import (
	"flag"
	"fmt"
	"strings"
)

// EnvVarName returns the environment variable that sets the flag with the given name.
func EnvVarName(prefix, flagName string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// ParseFlags applies the prefixed variables of environ to their flags and parses args on top of them.
// A prefixed variable that does not correspond to a flag is rejected.
func ParseFlags(flags *flag.FlagSet, prefix string, args, environ []string) error {
	byEnvVar := map[string]*flag.Flag{}
	flags.VisitAll(func(f *flag.Flag) {
		name := EnvVarName(prefix, f.Name)
		f.Usage = fmt.Sprintf("%s (%s)", f.Usage, name)
		byEnvVar[name] = f
	})

	for _, entry := range environ {
		name, value, _ := strings.Cut(entry, "=")
		if !strings.HasPrefix(name, prefix) {
			continue
		}

		f, ok := byEnvVar[name]
		if !ok {
			return fmt.Errorf("unsupported environment variable %s", name)
		}
		if value == "" {
			continue
		}

		err := f.Value.Set(value)
		if err != nil {
			return fmt.Errorf("invalid value %q for environment variable %s: %w", value, name, err)
		}
		f.DefValue = value
	}

	return flags.Parse(args)
}
