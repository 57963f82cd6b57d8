package config

import (
	"errors"
	"io/fs"
)

// FileFlag is a flag.Value that loads the configuration file it is set to into its target.
type FileFlag struct {
	path   string
	target *Configuration
	err    error
}

// NewFileFlag loads the configuration at defaultPath into target.
// When the file does not exist target is set to the default configuration.
func NewFileFlag(defaultPath string, target *Configuration) *FileFlag {
	cfg, err := FromFile(defaultPath)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}

	*target = cfg

	return &FileFlag{path: defaultPath, target: target, err: err}
}

func (f *FileFlag) Set(path string) error {
	cfg, err := FromFile(path)
	if err != nil {
		return err
	}

	*f.target = cfg
	f.path = path
	f.err = nil

	return nil
}

func (f *FileFlag) String() string {
	return f.path
}

// Err returns the error that occurred loading the default file, unless another file was loaded since.
func (f *FileFlag) Err() error {
	return f.err
}
