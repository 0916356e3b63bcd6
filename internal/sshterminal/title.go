package sshterminal

import "strings"

// maxTitleDirLen is the directory length above which tab titles shorten
// the directory to its last element.
const maxTitleDirLen = 15

// defaultDir is the directory hint before the remote side announces one.
const defaultDir = "~"

// Hints are lightweight UI hints about what the remote shell is doing.
type Hints struct {
	Dir         string
	Application string
}

// tabTitle renders "user @ app", "user @ dir" or "user @ host".
func tabTitle(user, host string, h Hints) string {
	switch {
	case h.Application != "":
		return user + " @ " + h.Application
	case h.Dir != "":
		return user + " @ " + shortenDir(h.Dir)
	default:
		return user + " @ " + host
	}
}

func shortenDir(dir string) string {
	if len(dir) <= maxTitleDirLen {
		return dir
	}
	parts := strings.Split(dir, "/")
	if len(parts) <= 2 {
		return dir
	}
	return ".../" + parts[len(parts)-1]
}

const osc7Prefix = "\x1b]7;"

// parseCwd returns the directory announced by the last complete OSC 7
// sequence ("ESC ] 7 ; file://host/path" ended by BEL or ST) in p.
func parseCwd(p []byte) (string, bool) {
	s := string(p)
	idx := strings.LastIndex(s, osc7Prefix)
	for idx >= 0 {
		rest := s[idx+len(osc7Prefix):]
		end := strings.IndexAny(rest, "\a\x1b")
		if end >= 0 {
			uri := rest[:end]
			if dir, ok := strings.CutPrefix(uri, "file://"); ok {
				if slash := strings.IndexByte(dir, '/'); slash >= 0 {
					return dir[slash:], true
				}
			}
			return "", false
		}
		idx = strings.LastIndex(s[:idx], osc7Prefix)
	}
	return "", false
}
