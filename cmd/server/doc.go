// Command server runs the agentdeck backend: the HTTP streaming bridge
// between browser dashboards and their terminal sessions and gateway chat
// runs. Configuration comes from the environment; see the config package.
package main
