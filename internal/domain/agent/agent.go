// Package agent defines the SDLC agent roles known to the platform.
package agent

// Type identifies an agent role in the SDLC pipeline.
type Type string

const (
	TypeAnalyst   Type = "analyst"
	TypeArchitect Type = "architect"
	TypeCoder     Type = "coder"
	TypeTester    Type = "tester"
	TypeDeployer  Type = "deployer"
)

// Known reports whether t names a concrete SDLC role.
func Known(t Type) bool {
	switch t {
	case TypeAnalyst, TypeArchitect, TypeCoder, TypeTester, TypeDeployer:
		return true
	}
	return false
}
