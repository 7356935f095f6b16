// Package router implements the Message Router component.
//
// The router decodes the {type, channel, data} envelope on every frame
// from the Connection Manager and hands data frames to the Message
// Batcher by channel. Malformed and unknown frames are counted and
// logged, never fatal.
package router
