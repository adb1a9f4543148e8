// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/duskwatch/phantomfs/cfg"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error
	Config        cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "phantomfs [flags] mount_point",
	Short: "Mount a deception filesystem that serves fabricated content to intruders",
	Long: `phantomfs is a FUSE filesystem that looks and behaves like a real
          attacker-interesting filesystem, but every byte an intruder reads
          is fabricated on first touch and every mutating call is recorded
          to an audit journal.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		if err := validateConfig(); err != nil {
			return err
		}
		mountPoint, err := populateArgs(args)
		if err != nil {
			return err
		}
		return mount(mountPoint)
	},
}

func populateArgs(args []string) (mountPoint string, err error) {
	mountPoint, err = filepath.Abs(args[0])
	if err != nil {
		return "", fmt.Errorf("canonicalizing mount point: %w", err)
	}
	return mountPoint, nil
}

func validateConfig() error {
	if Config.Vfs.CallDeadlineMs < 0 {
		return fmt.Errorf("vfs.call-deadline-ms must be non-negative, got %d", Config.Vfs.CallDeadlineMs)
	}
	if Config.Symlink.MaxDepth <= 0 {
		return fmt.Errorf("symlink.max-depth must be positive, got %d", Config.Symlink.MaxDepth)
	}
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to the config file")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&Config)
		return
	}
	resolved, err := filepath.Abs(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("error while resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(resolved)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("error while reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&Config)
}
