package flow

import (
	"hash/fnv"
	"os"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	keyGenOnce sync.Once
	keyGenNode *snowflake.Node
)

func (engine *Engine) generateKey() int64 {
	return engine.snowflake.Generate().Int64()
}

// defaultKeyGenerator returns the shared snowflake node. The node id is
// derived from the hostname so two engines on the same host share a seed
// while engines on different hosts do not collide.
func defaultKeyGenerator() *snowflake.Node {
	keyGenOnce.Do(func() {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "flow-engine"
		}
		h := fnv.New32a()
		h.Write([]byte(hostname))
		node, err := snowflake.NewNode(int64(h.Sum32() % 1024))
		if err != nil {
			panic("failed to initialize snowflake key generator: " + err.Error())
		}
		keyGenNode = node
	})
	return keyGenNode
}
