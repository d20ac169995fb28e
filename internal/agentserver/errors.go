package agentserver

import "fmt"

func unsupportedModelError(modelName string) error {
	return fmt.Errorf("agentserver: no provider adapter for model %q", modelName)
}

func unknownToolError(name string) error {
	return fmt.Errorf("agentserver: unknown tool %q", name)
}
