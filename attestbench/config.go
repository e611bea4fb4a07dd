// Copyright (c) 2025 Fraunhofer AISEC
// Fraunhofer-Gesellschaft zur Foerderung der angewandten Forschung e.V.
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

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
	"golang.org/x/exp/maps"
	"gopkg.in/yaml.v3"

	"github.com/Fraunhofer-AISEC/attestbench/benchmark"
	"github.com/Fraunhofer-AISEC/attestbench/internal"
)

type config struct {
	Iterations         int    `json:"iterations" yaml:"iterations"`
	CreationIterations int    `json:"creationIterations" yaml:"creationIterations"`
	Driver             string `json:"driver" yaml:"driver"`
	Quoter             string `json:"quoter" yaml:"quoter"`
	Image              string `json:"image" yaml:"image"`
	Debug              bool   `json:"debug" yaml:"debug"`
	CustomData         string `json:"customData" yaml:"customData"`
	LogLevel           string `json:"logLevel" yaml:"logLevel"`
	Output             string `json:"output" yaml:"output"`
	Format             string `json:"format" yaml:"format"`
	Database           string `json:"database" yaml:"database"`
	Publish            string `json:"publish" yaml:"publish"`
	AttestationDir     string `json:"attestationDir" yaml:"attestationDir"`
	SimEpcSize         uint64 `json:"simEpcSize" yaml:"simEpcSize"`
	SimContextSize     uint64 `json:"simContextSize" yaml:"simContextSize"`

	configDir  string
	serializer benchmark.Serializer
}

const (
	configFlag             = "config"
	iterationsFlag         = "iterations"
	creationIterationsFlag = "creation-iterations"
	driverFlag             = "driver"
	quoterFlag             = "quoter"
	imageFlag              = "image"
	debugFlag              = "debug"
	customDataFlag         = "custom-data"
	logLevelFlag           = "log-level"
	outputFlag             = "output"
	formatFlag             = "format"
	databaseFlag           = "database"
	publishFlag            = "publish"
	attestationDirFlag     = "attestation-dir"
	simEpcSizeFlag         = "sim-epc-size"
	simContextSizeFlag     = "sim-context-size"
)

var (
	logLevels = map[string]logrus.Level{
		"panic": logrus.PanicLevel,
		"fatal": logrus.FatalLevel,
		"error": logrus.ErrorLevel,
		"warn":  logrus.WarnLevel,
		"info":  logrus.InfoLevel,
		"debug": logrus.DebugLevel,
		"trace": logrus.TraceLevel,
	}

	log = logrus.WithField("service", "attestbench")
)

// getFlags is called after all drivers registered themselves
func getFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  configFlag,
			Usage: "JSON or YAML configuration file",
		},
		&cli.IntFlag{
			Name:    iterationsFlag,
			Aliases: []string{"n"},
			Usage: fmt.Sprintf("iterations per phase, 1-%v (default %v)",
				benchmark.MaxIterations, benchmark.DefaultIterations),
		},
		&cli.IntFlag{
			Name:  creationIterationsFlag,
			Usage: fmt.Sprintf("create/destroy cycles of the lifecycle phase (default %v)", benchmark.DefaultCreationIterations),
		},
		&cli.StringFlag{
			Name:  driverFlag,
			Usage: fmt.Sprintf("platform driver. Possible: %v", strings.Join(maps.Keys(platforms), ",")),
		},
		&cli.StringFlag{
			Name:  quoterFlag,
			Usage: fmt.Sprintf("quoting service, default is the one of the driver. Possible: %v", strings.Join(maps.Keys(quoters), ",")),
		},
		&cli.StringFlag{
			Name:  imageFlag,
			Usage: "signed enclave image",
		},
		&cli.BoolFlag{
			Name:  debugFlag,
			Usage: "create debug enclaves",
		},
		&cli.StringFlag{
			Name:  customDataFlag,
			Usage: "report data of the report phase, truncated to 64 bytes",
		},
		&cli.StringFlag{
			Name:  logLevelFlag,
			Usage: fmt.Sprintf("set log level. Possible: %v", strings.Join(maps.Keys(logLevels), ",")),
		},
		&cli.StringFlag{
			Name:    outputFlag,
			Aliases: []string{"o"},
			Usage:   "write results to file",
		},
		&cli.StringFlag{
			Name:  formatFlag,
			Usage: "results serialization (json, cbor)",
		},
		&cli.StringFlag{
			Name:  databaseFlag,
			Usage: "sqlite3 database to record results in",
		},
		&cli.StringFlag{
			Name:  publishFlag,
			Usage: "HTTP address to POST results to",
		},
		&cli.StringFlag{
			Name:  attestationDirFlag,
			Usage: "attestation pseudo file directory of the gramine driver",
		},
		&cli.Uint64Flag{
			Name:  simEpcSizeFlag,
			Usage: "protected memory of the sim driver in MiB",
		},
		&cli.Uint64Flag{
			Name:  simContextSizeFlag,
			Usage: "protected memory per sim enclave in MiB",
		},
	}
}

func getConfig(cmd *cli.Command) (*config, error) {
	var err error

	c := &config{
		Driver:   "sim",
		Format:   "json",
		LogLevel: "info",
	}

	// Obtain custom configuration from file if specified
	if cmd.IsSet(configFlag) {
		file := cmd.String(configFlag)
		log.Infof("Loading config from file %v", file)
		err = loadConfigFile(file, c)
		if err != nil {
			return nil, err
		}
		c.configDir = filepath.Dir(file)
	}

	// Overwrite config file configuration with given command line arguments
	if cmd.IsSet(iterationsFlag) {
		c.Iterations = int(cmd.Int(iterationsFlag))
	}
	if cmd.Args().Present() {
		n, err := strconv.Atoi(cmd.Args().First())
		if err != nil {
			log.Warnf("Invalid iteration count %q. Using default of %v", cmd.Args().First(), benchmark.DefaultIterations)
			n = benchmark.DefaultIterations
		}
		c.Iterations = n
	}
	if cmd.IsSet(creationIterationsFlag) {
		c.CreationIterations = int(cmd.Int(creationIterationsFlag))
	}
	if cmd.IsSet(driverFlag) {
		c.Driver = cmd.String(driverFlag)
	}
	if cmd.IsSet(quoterFlag) {
		c.Quoter = cmd.String(quoterFlag)
	}
	if cmd.IsSet(imageFlag) {
		c.Image = cmd.String(imageFlag)
	}
	if cmd.IsSet(debugFlag) {
		c.Debug = cmd.Bool(debugFlag)
	}
	if cmd.IsSet(customDataFlag) {
		c.CustomData = cmd.String(customDataFlag)
	}
	if cmd.IsSet(logLevelFlag) {
		c.LogLevel = cmd.String(logLevelFlag)
	}
	if cmd.IsSet(outputFlag) {
		c.Output = cmd.String(outputFlag)
	}
	if cmd.IsSet(formatFlag) {
		c.Format = cmd.String(formatFlag)
	}
	if cmd.IsSet(databaseFlag) {
		c.Database = cmd.String(databaseFlag)
	}
	if cmd.IsSet(publishFlag) {
		c.Publish = cmd.String(publishFlag)
	}
	if cmd.IsSet(attestationDirFlag) {
		c.AttestationDir = cmd.String(attestationDirFlag)
	}
	if cmd.IsSet(simEpcSizeFlag) {
		c.SimEpcSize = cmd.Uint64(simEpcSizeFlag)
	}
	if cmd.IsSet(simContextSizeFlag) {
		c.SimContextSize = cmd.Uint64(simContextSizeFlag)
	}

	// Configure the logger
	l, ok := logLevels[strings.ToLower(c.LogLevel)]
	if !ok {
		log.Warnf("LogLevel %v does not exist. Default to info level", c.LogLevel)
		l = logrus.InfoLevel
	}
	logrus.SetLevel(l)

	//
	// Perform custom config actions
	//

	c.Iterations = benchmark.ClampIterations(c.Iterations)

	if c.Image != "" {
		c.Image = internal.ResolvePath(c.Image, c.configDir)
	} else if strings.EqualFold(c.Driver, "sim") {
		// The sim driver measures the image, any existing file will do
		c.Image, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to get default image: %w", err)
		}
	}
	for _, p := range []*string{&c.Output, &c.Database, &c.AttestationDir} {
		if *p != "" {
			*p = internal.ResolvePath(*p, c.configDir)
		}
	}

	c.serializer, err = benchmark.NewSerializer(c.Format)
	if err != nil {
		return nil, err
	}

	printConfig(c)

	return c, nil
}

// loadConfigFile parses YAML for .yaml and .yml files and JSON otherwise
func loadConfigFile(file string, c *config) error {
	data, err := internal.GetFile(file, "")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(file)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %v: %w", file, err)
	}
	return nil
}

func printConfig(c *config) {
	log.Debugf("Using the following configuration:")
	log.Debugf("\tIterations          : %v", c.Iterations)
	log.Debugf("\tCreation Iterations : %v", c.CreationIterations)
	log.Debugf("\tDriver              : %v", c.Driver)
	log.Debugf("\tQuoter              : %v", c.Quoter)
	log.Debugf("\tImage               : %v", c.Image)
	log.Debugf("\tDebug               : %v", c.Debug)
	log.Debugf("\tCustom Data         : %v", c.CustomData)
	log.Debugf("\tOutput              : %v", c.Output)
	log.Debugf("\tFormat              : %v", c.Format)
	log.Debugf("\tDatabase            : %v", c.Database)
	log.Debugf("\tPublish             : %v", c.Publish)
	log.Debugf("\tAttestation Dir     : %v", c.AttestationDir)
	log.Debugf("\tSim EPC Size        : %v MiB", c.SimEpcSize)
	log.Debugf("\tSim Context Size    : %v MiB", c.SimContextSize)
	log.Debugf("\tLogging Level       : %v", c.LogLevel)
}
