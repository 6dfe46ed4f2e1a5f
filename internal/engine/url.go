package engine

import "fmt"

func httpBase(containerName string, internalPort int) string {
	return fmt.Sprintf("http://%s:%d", containerName, internalPort)
}
