package chaos

import (
	"fmt"
	"strconv"
	"strings"
)

// Config holds fault injection settings; see config.LoadConfig for the CHAOS_* keys
type Config struct {
	Enabled         bool
	Profile         string
	TargetSessionID string
	DropPct         int
	DelayMsMin      int
	DelayMsMax      int
	Seed            int64
	WindowMs        int
	DropAdmin       bool
}

// ParseProfile parses a profile string like "drop-pct=30,delay=50-250"
func ParseProfile(profile string) (dropPct, delayMin, delayMax int, err error) {
	for _, part := range strings.Split(profile, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
		case strings.HasPrefix(part, "drop-pct="):
			dropPct, err = strconv.Atoi(strings.TrimPrefix(part, "drop-pct="))
			if err != nil || dropPct < 0 || dropPct > 100 {
				return 0, 0, 0, fmt.Errorf("invalid drop-pct in %q", part)
			}
		case strings.HasPrefix(part, "delay="):
			lo, hi, ok := strings.Cut(strings.TrimPrefix(part, "delay="), "-")
			if !ok {
				hi = lo
			}
			if delayMin, err = strconv.Atoi(lo); err != nil {
				return 0, 0, 0, fmt.Errorf("invalid delay min: %w", err)
			}
			if delayMax, err = strconv.Atoi(hi); err != nil {
				return 0, 0, 0, fmt.Errorf("invalid delay max: %w", err)
			}
			if delayMin < 0 || delayMax < delayMin {
				return 0, 0, 0, fmt.Errorf("invalid delay range %d-%d", delayMin, delayMax)
			}
		default:
			return 0, 0, 0, fmt.Errorf("unknown chaos profile entry %q", part)
		}
	}
	return dropPct, delayMin, delayMax, nil
}
