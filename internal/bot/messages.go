package bot

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"XLayer-WalletBot/internal/okx"
	"XLayer-WalletBot/internal/status"
)

// Button 是一个内联按钮。
type Button struct {
	Label  string
	Action Action
}

// Message 是传输层无关的出站消息。
type Message struct {
	Text       string
	Markdown   bool
	Buttons    []Button
	ForceReply bool
}

// Menu 返回主菜单，每个按钮独占一行。
func Menu() []Button {
	return []Button{
		{Label: "Check Balance", Action: ActionCheckBalance},
		{Label: "Deposit OKB", Action: ActionDeposit},
		{Label: "Withdraw OKB", Action: ActionWithdraw},
		{Label: "Export Key", Action: ActionExportKey},
		{Label: "Pin Message", Action: ActionPinMessage},
		{Label: "Check Status", Action: ActionCheckStatus},
	}
}

const (
	textBalanceError     = "An error occurred while checking your balance. Please try again later."
	textDepositNote      = "_Note: Make sure to deposit only to this address on the XLayer network!_"
	textDepositPrompt    = "Please send your OKB to the following address:"
	textAmountPrompt     = "Please respond with the amount of OKB you want to withdraw."
	textAddressPrompt    = "Please respond with the XLayer address where you would like to receive the OKB."
	textInitiating       = "Initiating withdrawal..."
	textExportWarning    = "Your private key will be in the next message. Do NOT share it with anyone, and make sure you store it in a safe place."
	textNoWallet         = "No wallet found for this user. Please start a new session."
	textPinned           = "Message pinned successfully!"
	textPinFailed        = "Failed to pin the message. Ensure the bot has the proper permissions."
	textNothingToCheck   = "There is no withdrawal to check yet."
	textStatusError      = "An error occurred while checking the transaction status. Please try again later."
	textWalletError      = "An error occurred while preparing your wallet. Please try again later."
	textRegistrationNote = "_Your wallet is ready, but account registration is still pending. Some features may be unavailable for a moment._"
)

func welcomeText(address string) string {
	return fmt.Sprintf("*Welcome to your XLayer Trading Bot!*\nYour XLayer address is %s.\nSelect an option below:", address)
}

func balanceText(b okx.Balance) string {
	symbol := b.Symbol
	if symbol == "" {
		symbol = "OKB"
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(b.Balance))
	if err != nil {
		amount = decimal.Zero
	}
	price, err := decimal.NewFromString(strings.TrimSpace(b.TokenPrice))
	if err != nil {
		price = decimal.Zero
	}
	return fmt.Sprintf("Your XLayer %s balance:\n%s %s (USD %s)",
		symbol, amount.StringFixed(8), symbol, amount.Mul(price).StringFixed(2))
}

func codeBlock(s string) string {
	return "`" + s + "`"
}

func successText(amount, to, txHash, orderID string) string {
	text := fmt.Sprintf("Successfully initiated withdrawal of %s OKB to %s. Transaction ID: %s", amount, to, txHash)
	if orderID != "" {
		text += "\nOrder ID: " + orderID
	}
	return text
}

func failureText(reason string) string {
	if reason == "" {
		reason = "Unknown error"
	}
	return "An error occurred while initiating the withdrawal. Error: " + reason
}

func statusText(res status.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Transaction status: %s", res.State)
	if res.Hash != "" {
		fmt.Fprintf(&b, "\nHash: %s", res.Hash)
	}
	if res.OrderID != "" {
		fmt.Fprintf(&b, "\nOrder ID: %s", res.OrderID)
	}
	if res.Block != nil && res.Block.Number > 0 {
		fmt.Fprintf(&b, "\nBlock: %d", res.Block.Number)
	}
	return b.String()
}
