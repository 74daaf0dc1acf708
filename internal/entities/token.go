package entities

// Well-known mints on Solana mainnet.
const (
	NativeSOLMint = "So11111111111111111111111111111111111111112"
	USDCMint      = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDTMint      = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
	BONKMint      = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	RAYMint       = "4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R"
	ORCAMint      = "orcaEKTdK7LKz57vaAYr9QeNsVEPfiu6QeMU1kektZE"
)

// Token is a fungible token the bot is allowed to trade.
type Token struct {
	Symbol   string `json:"symbol"`
	Mint     string `json:"mint"`
	Decimals int32  `json:"decimals"`
}
