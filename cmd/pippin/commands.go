package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/pippin/pkg/element"
	"github.com/cuemby/pippin/pkg/ident"
	"github.com/cuemby/pippin/pkg/merge"
	"github.com/cuemby/pippin/pkg/partio"
	"github.com/cuemby/pippin/pkg/partition"
	"github.com/cuemby/pippin/pkg/state"
)

// tagHook stamps CLI-issued commits with a user tag and a correlation
// id in the commit's extra metadata.
type tagHook struct {
	tag string
}

func (h tagHook) Timestamp() int64 { return time.Now().Unix() }

func (h tagHook) Extra(uint32, []state.ParentInfo) state.ExtraMeta {
	if h.tag == "" {
		return state.NoExtra()
	}
	return state.ExtraText(fmt.Sprintf("%s (%s)", h.tag, uuid.NewString()))
}

func openLatest(cmd *cobra.Command) (Descriptor, *partition.Partition, error) {
	d, err := resolveDescriptor(cmd)
	if err != nil {
		return d, nil, err
	}
	cfg := d.partitionConfig()
	tag, _ := cmd.Flags().GetString("tag")
	cfg.Hook = tagHook{tag: tag}
	part := partition.Open(cfg)
	if err := part.LoadLatest(); err != nil {
		return d, nil, err
	}
	return d, part, nil
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new partition with an empty initial snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := resolveDescriptor(cmd)
		if err != nil {
			return err
		}
		if d.Repo == "" {
			return fmt.Errorf("a repository name is required (--repo or descriptor)")
		}
		part, err := partition.Create(d.partitionConfig())
		if err != nil {
			return err
		}
		if err := d.register(); err != nil {
			return err
		}
		key, err := part.TipKey()
		if err != nil {
			return err
		}
		fmt.Printf("Created partition %s (%s), initial state %s\n",
			part.PartID(), d.Repo, shortHex(key.Hex()))
		return nil
	},
}

var insertCmd = &cobra.Command{
	Use:   "insert <text>...",
	Short: "Insert elements into the partition and commit",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, part, err := openLatest(cmd)
		if err != nil {
			return err
		}
		tip, err := part.Tip()
		if err != nil {
			return err
		}
		m := tip.CloneMut()
		for _, text := range args {
			id, err := m.Insert(element.String(text))
			if err != nil {
				return err
			}
			fmt.Printf("Inserted element %d\n", id.Uint64())
		}
		pushed, err := part.PushState(m)
		if err != nil {
			return err
		}
		if !pushed {
			fmt.Println("Nothing to commit")
			return nil
		}
		if _, err := part.WriteFull(); err != nil {
			return err
		}
		key, err := part.TipKey()
		if err != nil {
			return err
		}
		fmt.Printf("Committed state %s\n", shortHex(key.Hex()))
		return nil
	},
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show all loaded states, newest commit number first",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := resolveDescriptor(cmd)
		if err != nil {
			return err
		}
		part := partition.Open(d.partitionConfig())
		if err := part.LoadAll(); err != nil {
			return err
		}
		var states []state.PartState
		part.StatesIter(func(s state.PartState) bool {
			states = append(states, s)
			return true
		})
		sort.Slice(states, func(i, j int) bool {
			return states[i].Meta().Number > states[j].Meta().Number
		})
		for _, s := range states {
			marker := " "
			if part.IsTip(s.StateSum()) {
				marker = "*"
			}
			extra, _ := s.Meta().Extra.Text()
			fmt.Printf("%s %s  n=%-4d elts=%-5d %s %s\n",
				marker, shortHex(s.StateSum().Hex()), s.Meta().Number, s.EltsLen(),
				time.Unix(s.Meta().TS, 0).UTC().Format(time.RFC3339), extra)
		}
		return nil
	},
}

var tipsCmd = &cobra.Command{
	Use:   "tips",
	Short: "Show the current tip state(s)",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, part, err := openLatest(cmd)
		if err != nil {
			return err
		}
		for _, tip := range part.Tips() {
			fmt.Println(tip.Hex())
		}
		if part.MergeRequired() {
			fmt.Println("Merge required: run `pippin merge`")
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <state-prefix>",
	Short: "Show one state's elements, addressed by a hex prefix of its sum",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := resolveDescriptor(cmd)
		if err != nil {
			return err
		}
		part := partition.Open(d.partitionConfig())
		if err := part.LoadAll(); err != nil {
			return err
		}
		s, err := part.StateFromPrefix(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("State %s, commit number %d, %d element(s)\n",
			s.StateSum().Hex(), s.Meta().Number, s.EltsLen())
		elts := s.Elts()
		ids := make([]ident.EltID, 0, len(elts))
		for id := range elts {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			fmt.Printf("  %d: %v\n", id.Uint64(), elts[id])
		}
		for old, to := range s.Moved() {
			fmt.Printf("  moved: %d -> %d\n", old.Uint64(), to.Uint64())
		}
		return nil
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge divergent tips into one",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, part, err := openLatest(cmd)
		if err != nil {
			return err
		}
		if !part.MergeRequired() {
			fmt.Println("Nothing to merge")
			return nil
		}
		solver := merge.Chain{First: merge.AncestorSolver{}, Second: merge.RenamingSolver{}}
		if err := part.Merge(solver, true); err != nil {
			return err
		}
		if _, err := part.WriteFull(); err != nil {
			return err
		}
		key, err := part.TipKey()
		if err != nil {
			return err
		}
		fmt.Printf("Merged into state %s\n", shortHex(key.Hex()))
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List partitions registered in this directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		reg, err := partio.OpenRegistry(filepath.Join(dir, "registry.db"))
		if err != nil {
			return err
		}
		defer reg.Close()
		entries, err := reg.List()
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%d\t%s\t%s\n", e.PartID, e.RepoName, e.Prefix)
		}
		return nil
	},
}

func init() {
	insertCmd.Flags().String("tag", "", "Tag recorded in the commit's user metadata")
	mergeCmd.Flags().String("tag", "", "Tag recorded in the merge commit's user metadata")
}

func shortHex(hex string) string {
	if len(hex) > 16 {
		return hex[:16]
	}
	return hex
}
