package turn

// ConfigOptions configures the TURN relay.
type ConfigOptions struct {
	// PublicIP is the address relayed candidates advertise.
	PublicIP string
	Port     int
	Username string
	Password string
	// Users holds extra "username=password" credentials.
	Users        []string
	Realm        string
	RelayMinPort uint
	RelayMaxPort uint
}
