package inference

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EnsureReady checks that the model server is reachable and has every model
// installed. Models are never pulled from here; a missing one is an operator
// error.
func EnsureReady(ctx context.Context, c *Client, models ...string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	missing, err := c.Missing(ctx, models...)
	if err != nil {
		return fmt.Errorf("inference server at %s: %w", c.baseURL, err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w on %s: %s (install with `ollama pull`)",
			ErrModelMissing, c.baseURL, strings.Join(missing, ", "))
	}
	return nil
}
