package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/pippin/pkg/element"
	"github.com/cuemby/pippin/pkg/ident"
	"github.com/cuemby/pippin/pkg/partio"
	"github.com/cuemby/pippin/pkg/partition"
)

// Descriptor is the optional pippin.yaml repository descriptor; any
// field present is overridden by an explicitly-set flag.
type Descriptor struct {
	Partition uint64 `yaml:"partition"`
	Repo      string `yaml:"repo"`
	Dir       string `yaml:"dir"`
	Prefix    string `yaml:"prefix"`
}

// resolveDescriptor merges the descriptor file (if any) with command
// line flags, flags winning.
func resolveDescriptor(cmd *cobra.Command) (Descriptor, error) {
	var d Descriptor
	cfgPath, _ := cmd.Flags().GetString("config")
	if cfgPath == "" {
		if _, err := os.Stat("pippin.yaml"); err == nil {
			cfgPath = "pippin.yaml"
		}
	}
	if cfgPath != "" {
		data, err := os.ReadFile(cfgPath)
		if err != nil {
			return d, fmt.Errorf("reading descriptor: %w", err)
		}
		if err := yaml.Unmarshal(data, &d); err != nil {
			return d, fmt.Errorf("parsing descriptor: %w", err)
		}
	}

	if cmd.Flags().Changed("partition") || d.Partition == 0 {
		d.Partition, _ = cmd.Flags().GetUint64("partition")
	}
	if cmd.Flags().Changed("repo") || d.Repo == "" {
		d.Repo, _ = cmd.Flags().GetString("repo")
	}
	if cmd.Flags().Changed("dir") || d.Dir == "" {
		d.Dir, _ = cmd.Flags().GetString("dir")
	}
	if cmd.Flags().Changed("prefix") || d.Prefix == "" {
		d.Prefix, _ = cmd.Flags().GetString("prefix")
	}
	if d.Prefix == "" && d.Partition != 0 {
		d.Prefix = fmt.Sprintf("pip%d", d.Partition)
	}

	if d.Partition == 0 {
		return d, fmt.Errorf("a partition number is required (--partition or descriptor)")
	}
	if d.Partition > ident.MaxPartID {
		return d, fmt.Errorf("partition number %d exceeds 2^40-1", d.Partition)
	}
	return d, nil
}

func (d Descriptor) partitionConfig() partition.Config {
	return partition.Config{
		PartID:   ident.FromNum(d.Partition),
		RepoName: d.Repo,
		IO:       partio.NewFileIO(d.Dir, d.Prefix),
		Read:     element.ReadString,
	}
}

func (d Descriptor) registryPath() string {
	return filepath.Join(d.Dir, "registry.db")
}

// register records the partition in the directory's bbolt registry so
// later invocations can list it without flags.
func (d Descriptor) register() error {
	reg, err := partio.OpenRegistry(d.registryPath())
	if err != nil {
		return err
	}
	defer reg.Close()
	return reg.Put(partio.Entry{PartID: d.Partition, RepoName: d.Repo, Prefix: d.Prefix})
}
