package replicator

import (
	"strings"

	"go.uber.org/zap"

	"github.com/redoflow/redoflow/pkg/log"
)

// MaxPathLength caps every mapped path.
const MaxPathLength = 4096

// PathMapper rewrites filesystem paths using an ordered list of
// (source-prefix, target-prefix) replacements. The first registered pair
// whose source is a prefix of the path wins; at most one substitution is
// made per call.
type PathMapper struct {
	logger *log.Logger
	pairs  []pathPair
}

type pathPair struct {
	source string
	target string
}

// NewPathMapper builds an empty mapper.
func NewPathMapper(logger *log.Logger) *PathMapper {
	return &PathMapper{logger: logger}
}

// Add registers a mapping pair. Registration order is match order.
func (m *PathMapper) Add(source, target string) {
	if m.logger.IsTrace(log.TraceFile) {
		m.logger.Trace(log.TraceFile, "added mapping",
			zap.String("source", source), zap.String("target", target))
	}
	m.pairs = append(m.pairs, pathPair{source: source, target: target})
}

// Apply rewrites path. No-op when no source prefix matches or the result
// would be MaxPathLength-1 bytes or longer.
func (m *PathMapper) Apply(path string) string {
	for _, p := range m.pairs {
		if len(p.source) <= len(path) &&
			len(path)-len(p.source)+len(p.target) < MaxPathLength-1 &&
			strings.HasPrefix(path, p.source) {
			return p.target + path[len(p.source):]
		}
	}
	return path
}
