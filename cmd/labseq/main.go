// Command labseq runs trigger-synchronized experiments on arbitrary waveform
// generators and cameras, from the command line or over HTTP.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "labseq.yml"
	k              = koanf.New(".")

	log = logrus.WithField("pkg", "labseq")
)

func setupconfig() error {
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return err
	}
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") { // file missing, who cares
			return errors.Wrap(err, "error loading config")
		}
	}
	return nil
}

func loadConfig() (Config, error) {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		return c, err
	}
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return c, err
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return c, nil
}

var rootCmd = &cobra.Command{
	Use:   "labseq",
	Short: "labseq sequences arbitrary waveform generators and cameras around one hardware trigger",
	Long: `labseq compiles a timetable of channel values into waveforms, loads and arms
every generator channel in burst mode, arms the cameras, and fires a single
trigger from the master generator once everything reports armed.  Frames are
drained after the settle time and optionally written to FITS files.

Configuration is read from labseq.yml in the working directory; see mkconf.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupconfig()
	},
}

var mkconfCmd = &cobra.Command{
	Use:   "mkconf",
	Short: "write the effective configuration to " + ConfigFileName,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		f, err := os.Create(ConfigFileName)
		if err != nil {
			return err
		}
		defer f.Close()
		return yml.NewEncoder(f).Encode(c)
	},
}

var confCmd = &cobra.Command{
	Use:   "conf",
	Short: "print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		return yml.NewEncoder(cmd.OutOrStdout()).Encode(c)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "labseq version %v\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&ConfigFileName, "config", "c", ConfigFileName, "configuration file")
	rootCmd.AddCommand(runCmd, serveCmd, mkconfCmd, confCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
