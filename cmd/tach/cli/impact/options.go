package impact

import (
	"slices"

	"github.com/spf13/pflag"
)

// PluginName is the name the host's -p switch refers to.
const PluginName = "tach"

// Options are the plugin's command-line options.
type Options struct {
	// Skip removes unaffected test files from the run.
	Skip bool
	// Base is the revision changes are measured from. Empty auto-detects the
	// default branch. Setting it also enables skipping.
	Base string
	// Head is the revision changes are measured to. Empty means the working tree.
	Head    string
	Verbose bool
	// Plugins holds the host's -p values; "no:tach" disables the plugin.
	Plugins []string
}

// AddFlags registers the plugin's options on fs.
func AddFlags(fs *pflag.FlagSet, o *Options) {
	fs.BoolVar(&o.Skip, "tach", false, "Skip test files unaffected by changes (base auto-detected)")
	fs.StringVar(&o.Base, "tach-base", "", "Base revision to compare against; enables skipping [default: remote HEAD, main, master]")
	fs.StringVar(&o.Head, "tach-head", "", "Head revision to compare against [default: current working tree]")
	fs.BoolVar(&o.Verbose, "tach-verbose", false, "List changed files and every skipped test file")
	fs.StringArrayVarP(&o.Plugins, "plugin", "p", nil, "Host plugin switch; use 'no:tach' to disable impact selection")
}

// SkipEnabled reports whether unaffected files are removed from the run.
func (o Options) SkipEnabled() bool {
	return o.Skip || o.Base != ""
}

// Disabled reports whether the plugin was switched off with -p no:tach.
func (o Options) Disabled() bool {
	return slices.Contains(o.Plugins, "no:"+PluginName)
}
