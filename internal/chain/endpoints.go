package chain

import "github.com/gagliardetto/solana-go/rpc"

// RPCEndpoint picks the configured endpoint, falling back to the public
// devnet or mainnet node.
func RPCEndpoint(configured string, devnet bool) string {
	if configured != "" {
		return configured
	}
	if devnet {
		return rpc.DevNet_RPC
	}
	return rpc.MainNetBeta_RPC
}

func NetworkName(devnet bool) string {
	if devnet {
		return "devnet"
	}
	return "mainnet-beta"
}
