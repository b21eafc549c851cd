// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package process

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
	yaml "gopkg.in/yaml.v3"
)

// SaveConfig saves the user-facing flags with default values to outfile,
// with values from 'overrides' overridden.
func SaveConfig(cmd *cobra.Command, outfile string, overrides map[string]interface{}) error {
	flags := cmd.Flags()
	vip, err := Viper(cmd)
	if err != nil {
		return errs.Wrap(err)
	}

	if err := vip.MergeConfigMap(overrides); err != nil {
		return errs.Wrap(err)
	}
	settings := vip.AllSettings()

	// filter any settings we shouldn't save due to flag metadata.
	var filterSettings func(string, map[string]interface{})
	filterSettings = func(base string, settings map[string]interface{}) {
		for key, value := range settings {
			if value, ok := value.(map[string]interface{}); ok {
				filterSettings(base+key+".", value)
				if len(value) == 0 {
					delete(settings, key)
				}
				continue
			}

			fullKey := base + key
			_, overrideExists := overrides[fullKey]

			f := flags.Lookup(fullKey)
			if f == nil {
				delete(settings, key)
				continue
			}

			changed := f.Changed
			setup := readBoolAnnotation(f, "setup")
			hidden := readBoolAnnotation(f, "hidden")
			internal := readBoolAnnotation(f, "internal")
			user := readBoolAnnotation(f, "user")

			if setup || hidden || internal || (!user && !changed && !overrideExists) {
				delete(settings, key)
			}
		}
	}
	filterSettings("", settings)

	var data []byte
	if len(settings) > 0 {
		data, err = yaml.Marshal(settings)
		if err != nil {
			return errs.Wrap(err)
		}
	}
	return errs.Wrap(atomicWrite(outfile, 0600, data))
}

func readBoolAnnotation(flag *pflag.Flag, key string) bool {
	annotation := flag.Annotations[key]
	return len(annotation) > 0 && annotation[0] == "true"
}

// atomicWrite writes data to outfile through a temporary file, so a crash
// never leaves a half-written configuration behind.
func atomicWrite(outfile string, mode os.FileMode, data []byte) (err error) {
	fh, err := os.CreateTemp(filepath.Dir(outfile), filepath.Base(outfile))
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, fh.Close(), os.Remove(fh.Name()))
		}
	}()
	if err := fh.Chmod(mode); err != nil {
		return errs.Wrap(err)
	}
	if _, err := fh.Write(data); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Sync(); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Close(); err != nil {
		return errs.Wrap(err)
	}
	if err := os.Rename(fh.Name(), outfile); err != nil {
		return errs.Wrap(err)
	}
	return nil
}
