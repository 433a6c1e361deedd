/*
Copyright 2024 The Local PKD Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/constants"
)

var (
	v          string
	configFile string
)

func NewRootCommand(out, stderr io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pkdsvc",
		Short: "Local ICAO PKD evaluation service: LDIF/Master List ingest, LDAP replication, Passive Authentication.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return SetUpLogs(stderr, v)
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.SetOut(out)

	rootCmd.AddCommand(NewCmdServe(out))
	rootCmd.AddCommand(NewCmdIngest(out))
	rootCmd.AddCommand(NewCmdVersion(out))

	rootCmd.PersistentFlags().StringVarP(&v, "verbosity", "v", constants.DefaultLogLevel.String(), "Log level (debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVarP(&configFile, "filename", "f", constants.DefaultConfigFile, "Path to the service configuration file")
	return rootCmd
}

func SetUpLogs(out io.Writer, level string) error {
	logrus.SetOutput(out)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrap(err, "parsing log level")
	}
	logrus.SetLevel(lvl)
	return nil
}
