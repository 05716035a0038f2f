package common

import (
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// LoadConfig reads a YAML config file named "config" from path, overlays
// any ASSIMILATE_-prefixed environment variables (e.g. ASSIMILATE_DATAROOT
// for the dataRoot field), and unmarshals the result into config. This is
// distinct from the literal DATA_ROOT variable spec.md §6 names, which is
// exported into forward-model job environments downstream rather than
// read here.
func LoadConfig(config interface{}, path string) error {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(path)
	v.SetEnvPrefix("ASSIMILATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return err
		}
		log.Warnf("no config file found at %s, relying on defaults and environment", path)
	}

	return v.Unmarshal(config)
}
