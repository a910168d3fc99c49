// Package hue implements the driver.Driver contract for a Philips Hue
// bridge's local REST API: link-button pairing, light/group enumeration,
// poll-based state subscription (diffed against the last-seen snapshot),
// and xy-space color commands.
package hue
