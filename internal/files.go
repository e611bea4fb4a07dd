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

package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("service", "internal")

// GetFile reads a file given as absolute path, relative to the base path
// or relative to the running binary
func GetFile(file, base string) ([]byte, error) {
	if file == "" {
		return nil, fmt.Errorf("empty filename passed")
	}
	f, err := GetFilePath(file, base)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %v: %w", f, err)
	}
	return data, nil
}

// GetFilePath resolves a file given as absolute path, relative to the
// base path or relative to the running binary. If the file does not exist
// in any of these places, the path relative to base (or the unchanged
// path without base) is returned together with an error.
func GetFilePath(file, base string) (string, error) {

	log.Tracef("Get path of '%v' with optional base path '%v'", file, base)

	if filepath.IsAbs(file) {
		if FileExists(file) {
			return file, nil
		}
		return file, fmt.Errorf("file %v does not exist", file)
	}

	searched := make([]string, 0, 2)
	rf := file
	if base != "" {
		abs, err := filepath.Abs(filepath.Join(base, file))
		if err == nil {
			rf = abs
			if FileExists(rf) {
				log.Tracef("Got: %v (relative to base path)", rf)
				return rf, nil
			}
			searched = append(searched, rf)
		}
	} else if FileExists(file) {
		return file, nil
	}

	bin, err := GetBinaryPath()
	if err == nil {
		f, err := filepath.Abs(filepath.Join(bin, file))
		if err == nil {
			if FileExists(f) {
				log.Tracef("Got: %v (relative to binary)", f)
				return f, nil
			}
			searched = append(searched, f)
		}
	}

	return rf, fmt.Errorf("failed to find file %v. Places searched: %v", file, strings.Join(searched, ", "))
}

// ResolvePath makes a configured path absolute relative to base, without
// requiring the file to exist yet
func ResolvePath(p, base string) string {
	if p == "" || filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}

func FileExists(f string) bool {
	if _, err := os.Stat(f); err == nil {
		return true
	}
	return false
}

func GetBinaryPath() (string, error) {
	bin, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get path of executable: %w", err)
	}
	return filepath.Dir(bin), nil
}

func IsDir(p string) (bool, error) {
	info, err := os.Stat(p)
	if err != nil {
		return false, fmt.Errorf("failed to get file info: %w", err)
	}
	return info.IsDir(), nil
}
