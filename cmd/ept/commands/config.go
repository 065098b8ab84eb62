// Package commands implements the "build", "merge", and "info" cobra
// subcommands of the ept CLI, wired through viper so every flag also
// has a config-file and environment-variable form: defaults set on the
// cobra flags are the lowest-priority layer, an optional --config file
// (or .ept.yaml in the working directory) is next, and EPT_-prefixed
// environment variables sit above that, with flags the user actually
// passed taking final priority.
package commands

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix  = "EPT"
	configName = ".ept"
	configType = "yaml"
)

// loadViper merges defaults (from cmd's own flags), an optional config
// file, environment variables, and the flags the user actually passed,
// in that increasing order of priority.
func loadViper(cmd *cobra.Command, configPath string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("cmd/ept: reading config: %w", err)
		}
	}

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("cmd/ept: binding flags: %w", err)
	}
	return v, nil
}

// parseThreads parses --threads as "N" or "N,M" into work and clip
// thread counts. An empty string yields 0, 0, and "N" alone yields a clip
// count of 0; the caller applies its own default for a 0. An empty half
// inside "N,M" is an error.
func parseThreads(s string) (work, clip int, err error) {
	if s == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(s, ",", 2)
	work, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("cmd/ept: invalid --threads %q: %w", s, err)
	}
	if len(parts) == 1 {
		return work, 0, nil
	}
	clip, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("cmd/ept: invalid --threads %q: %w", s, err)
	}
	return work, clip, nil
}

// parseSubset parses --subset "i/of" into a 1-based subset ID and the
// fan-out denominator.
func parseSubset(s string) (id, of int, err error) {
	if s == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("cmd/ept: invalid --subset %q, want \"i/of\"", s)
	}
	id, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("cmd/ept: invalid --subset %q: %w", s, err)
	}
	of, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("cmd/ept: invalid --subset %q: %w", s, err)
	}
	if of < 1 || id < 1 || id > of {
		return 0, 0, fmt.Errorf("cmd/ept: invalid --subset %q: id must be in [1,of]", s)
	}
	return id, of, nil
}
