// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
)

// LoadFile loads configuration from the file given by configPath and
// decodes it into cfg. The file may be YAML or JSON.
func LoadFile(cfg interface{}, configPath string) error {
	buf, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}
	err = yaml.Unmarshal(buf, cfg)
	if err != nil {
		return fmt.Errorf("error decoding config %q: %v", configPath, err)
	}
	return nil
}

// DumpAndExit writes the given config to stdout as YAML and returns
// an exit code. Used to implement -dump-config flags.
func DumpAndExit(cfg interface{}) int {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	_, err = os.Stdout.Write(out)
	if err != nil {
		return 1
	}
	return 0
}
