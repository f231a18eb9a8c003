// Package sshkeys loads client keys and verifies server host keys.
//
// # Client keys
//
// [LoadSigner] reads a private key file and returns an ssh.Signer.
// Passphrase-protected keys are not supported and fail with an
// ssherr.Unimplemented error. [GenerateKeyPair] creates an ED25519 key pair
// and is used by tests and by operators bootstrapping a new host.
//
// # Host key verification
//
// A [HostKeyPolicy] produces the ssh.HostKeyCallback used during the
// handshake:
//
//   - [PolicyInsecure] accepts any key and logs a warning on every use. It
//     exists for development against throwaway servers.
//   - [PolicyKnownHosts] accepts only keys already present in the
//     known_hosts file.
//   - [PolicyTOFU] (trust on first use) behaves like PolicyKnownHosts but
//     appends the key of a host that has no entry yet. A host whose key
//     changed is always rejected.
//
// Log messages sanitize hostnames to prevent log injection.
package sshkeys
