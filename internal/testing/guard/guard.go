package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("QUARTERMASTER_TEST_MODE") == "" {
			_ = os.Setenv("QUARTERMASTER_TEST_MODE", "1")
		}
	})
}
