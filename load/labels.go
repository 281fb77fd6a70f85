package load

const (
	// DKVSetKeyLabel trend of successful key writes to the leader
	DKVSetKeyLabel = "dkv_set_key"
	// DKVGetKeyLabel trend of successful key reads from the follower
	DKVGetKeyLabel = "dkv_get_key"
	// DKVSetGetLabel handle name and iteration label of the set then get workload
	DKVSetGetLabel = "dkv_set_get"
)
