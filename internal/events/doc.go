// Package events carries coordinator events to whoever is listening.
//
// The Broadcaster is the only link between producers (the registry restart
// hook, the workflow engine, the health publisher's ticker) and consumers
// (channel server connections). Producers publish to a topic; each
// connection subscribes to the rooms it joined and drains its own channel.
package events
