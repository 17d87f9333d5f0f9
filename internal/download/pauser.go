package download

import "os"

// flagFilePauser reads the pause flag the UI layer owns and persists as a
// marker file. The core only ever reads it.
type flagFilePauser struct {
	path string
}

// NewFlagFilePauser returns a Pauser that reports paused while the marker
// file exists.
func NewFlagFilePauser(path string) Pauser {
	return &flagFilePauser{path: path}
}

func (p *flagFilePauser) Paused() bool {
	if p.path == "" {
		return false
	}
	_, err := os.Stat(p.path)
	return err == nil
}
