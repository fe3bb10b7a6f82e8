package cloud

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewRequestID returns "req-<unix millis>-<9 random chars>". The vendor uses it
// for idempotency and tracing only.
func NewRequestID() string {
	return fmt.Sprintf("req-%d-%s", time.Now().UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:9])
}
