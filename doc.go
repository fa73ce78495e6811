// # Go VBAN Audio Endpoint Package
//
// This repository provides a Go package for streaming PCM and Opus-compressed audio over IP using the VBAN UDP protocol. It implements both endpoint roles: a sender that captures audio from a local device, packetizes it per VBAN framing and transmits it to a peer, and a recipient that receives VBAN packets, validates and decodes them and plays them on a local audio device. It is a library to be imported into your own Go projects; the repository contains no runnable endpoint binaries.
package vban
