// Package logging builds the structured logger used throughout iodns.
// Grounded on go.uber.org/zap, pulled in indirectly by the teacher's own
// go.mod (via its etcd client dependency) and promoted here to direct,
// load-bearing use in place of the reference implementation's bare
// LOG()/fmt.Print calls.
package logging

import "go.uber.org/zap"

// New builds a production logger, or a development logger (more verbose,
// human-readable) when dev is true.
func New(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
