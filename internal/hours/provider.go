package hours

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// calendarFile is the on-disk yaml shape, one file per org.
type calendarFile struct {
	Org      string   `yaml:"org"`
	Timezone string   `yaml:"timezone"`
	DayStart int      `yaml:"day_start"`
	DayEnd   int      `yaml:"day_end"`
	Holidays []string `yaml:"holidays"`
}

// Provider resolves per-org calendars from a directory of yaml files,
// falling back to a default calendar for orgs without one.
type Provider struct {
	dir string
	def Calendar

	mu    sync.RWMutex
	cache map[string]Calendar
}

// NewProvider builds a provider rooted at dir with the given fallback.
func NewProvider(dir string, fallback Calendar) *Provider {
	return &Provider{
		dir:   dir,
		def:   fallback,
		cache: make(map[string]Calendar),
	}
}

// For returns the calendar for org, loading <dir>/<org>.yaml on first use.
// Orgs without a calendar file get the fallback.
func (p *Provider) For(org string) Calendar {
	p.mu.RLock()
	if cal, ok := p.cache[org]; ok {
		p.mu.RUnlock()
		return cal
	}
	p.mu.RUnlock()

	cal, err := p.load(org)
	if err != nil {
		cal = p.def
	}

	p.mu.Lock()
	p.cache[org] = cal
	p.mu.Unlock()
	return cal
}

func (p *Provider) load(org string) (Calendar, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, org+".yaml"))
	if err != nil {
		return Calendar{}, err
	}
	var cf calendarFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return Calendar{}, fmt.Errorf("parse calendar for %s: %w", org, err)
	}
	loc := p.def.Location
	if cf.Timezone != "" {
		loc, err = time.LoadLocation(cf.Timezone)
		if err != nil {
			return Calendar{}, fmt.Errorf("calendar timezone for %s: %w", org, err)
		}
	}
	dayStart, dayEnd := cf.DayStart, cf.DayEnd
	if dayStart == 0 && dayEnd == 0 {
		dayStart, dayEnd = p.def.DayStart, p.def.DayEnd
	}
	return NewCalendar(loc, dayStart, dayEnd, cf.Holidays)
}
