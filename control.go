package conenat

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Control is the process wide runtime state shared by the translators, the
// collector and the lifecycle manager. It is created once at load time.
type Control struct {
	gate   *Gate
	mark   atomic.Uint32
	mode   atomic.Uint32
	level  atomic.Int32
	logger *logrus.Logger
}

func NewControl(mode FilteringMode, mark uint32, logger *logrus.Logger) *Control {
	c := &Control{gate: NewGate(), logger: logger}
	c.mode.Store(uint32(mode))
	c.mark.Store(mark)
	c.level.Store(int32(logLevelOf(logger.GetLevel())))
	return c
}

func logLevelOf(l logrus.Level) int {
	for i, v := range logLevels {
		if v == l {
			return i
		}
	}
	return len(logLevels) - 1
}

func (c *Control) Gate() *Gate { return c.gate }

// Paused reports whether the collector currently holds the tables.
func (c *Control) Paused() bool { return c.gate.Paused() }

// Mark is the conntrack mark attached to every forwarded packet.
func (c *Control) Mark() uint32 { return c.mark.Load() }

func (c *Control) SetMark(mark uint32) { c.mark.Store(mark) }

// Mode is the filtering mode new mappings snapshot. Existing mappings keep
// the mode they were created with.
func (c *Control) Mode() FilteringMode { return FilteringMode(c.mode.Load()) }

func (c *Control) SetMode(m FilteringMode) { c.mode.Store(uint32(m)) }

func (c *Control) LogLevel() int { return int(c.level.Load()) }

func (c *Control) SetLogLevel(v int) {
	c.level.Store(int32(logLevelOf(LogLevel(v))))
	c.logger.SetLevel(LogLevel(v))
}
