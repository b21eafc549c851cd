// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package fpath implements cross-platform file and directory path helpers.
package fpath

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ApplicationDir returns best base directory for the current OS.
func ApplicationDir(subdir ...string) string {
	for i := range subdir {
		if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
			subdir[i] = strings.Title(subdir[i])
		} else {
			subdir[i] = strings.ToLower(subdir[i])
		}
	}

	var appdir string
	home := os.Getenv("HOME")

	switch runtime.GOOS {
	case "windows":
		// Windows standards: https://msdn.microsoft.com/en-us/library/windows/apps/hh465094.aspx
		for _, env := range []string{"AppData", "AppDataLocal", "UserProfile", "Home"} {
			val := os.Getenv(strings.ToUpper(env))
			if val != "" {
				appdir = val
				break
			}
		}
	case "darwin":
		appdir = filepath.Join(home, "Library", "Application Support")
	case "linux":
		fallthrough
	default:
		appdir = os.Getenv("XDG_DATA_HOME")
		if appdir == "" && home != "" {
			appdir = filepath.Join(home, ".local", "share")
		}
	}
	return filepath.Join(append([]string{appdir}, subdir...)...)
}

// IsValidSetupDir checks if a directory is a valid target for writing a new
// configuration: it either does not exist or does not contain a config file.
func IsValidSetupDir(name string) (ok bool, err error) {
	_, err = os.Stat(filepath.Join(name, "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}
