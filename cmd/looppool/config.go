package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional YAML configuration file. Values act as defaults;
// command line flags override them.
type fileConfig struct {
	// Prefix is the directory tree of backing files the pool manages.
	Prefix string `yaml:"prefix"`
	// SysfsDir is the virtual block device directory to scan.
	SysfsDir string `yaml:"sysfs_dir"`
	// DevDir is the directory containing loop device nodes.
	DevDir string `yaml:"dev_dir"`
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &cfg, nil
}
