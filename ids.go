package maestro

import "go.jetify.com/typeid"

// NewExecutionID returns a new prefixed id for execution identification
func NewExecutionID() string {
	return newID("exec")
}

// NewCheckpointID returns a new prefixed id for checkpoint identification
func NewCheckpointID() string {
	return newID("chk")
}

// NewRelationID returns a new prefixed id for execution relations
func NewRelationID() string {
	return newID("rel")
}

func newID(prefix string) string {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id.String()
}
