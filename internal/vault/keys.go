package vault

// Redis key templates
const (
	VaultKeyFmt        = "vault:%s"          // %s = vault id
	VaultStatusSetFmt  = "vault:status:%s"   // %s = Status
	VaultByAddressFmt  = "vault:address:%s"  // %s = lowercase hex address
	PlanKeyFmt         = "plan:%d"           // %d = plan id
	SubscriptionKeyFmt = "subscription:%s"   // %s = subscription id
	AttemptKeyFmt      = "sweep:attempt:%s"  // %s = attempt id
	AttemptListFmt     = "sweep:attempts:%s" // %s = vault id
)
