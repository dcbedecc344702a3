// Package brokerconfig stores alternative broker endpoints in SQLite and
// resolves which endpoint the service should use.
//
// One stored configuration may be active. If none is active, or the active
// one asks to defer to the environment, the endpoint from the configuration
// file and CONTAINMENT_* variables wins. Resolve reports which source was
// used so operators can see why the service connected where it did.
package brokerconfig
