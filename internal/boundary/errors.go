package boundary

import "fmt"

func errUnknownDependency(nodeID, dep string) error {
	return fmt.Errorf("node %q depends on unknown node %q", nodeID, dep)
}
