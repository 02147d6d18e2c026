package withdraw

import (
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	xerrors "XLayer-WalletBot/internal/errors"
)

// Decimals 是原生币 OKB 的精度。
const Decimals = 18

var (
	amountPattern  = regexp.MustCompile(`^(\d+(\.\d*)?|\.\d+)$`)
	addressPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)
)

// ParseAmount 解析用户输入的金额，返回规范化的十进制字符串与最小单位数值。
func ParseAmount(text string) (string, *big.Int, error) {
	raw := strings.TrimSpace(text)
	if !amountPattern.MatchString(raw) {
		return "", nil, xerrors.New(xerrors.CodeInvalidInput, "金额格式无效")
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return "", nil, xerrors.Wrap(xerrors.CodeInvalidInput, err, "金额格式无效")
	}
	if !amount.IsPositive() {
		return "", nil, xerrors.New(xerrors.CodeInvalidInput, "金额必须大于 0")
	}
	minor := amount.Shift(Decimals)
	if !minor.IsInteger() {
		return "", nil, xerrors.New(xerrors.CodeInvalidInput, "金额精度超过 18 位小数")
	}
	return amount.String(), minor.BigInt(), nil
}

// ToMinor 将已保存的十进制金额转换为最小单位。
func ToMinor(amount string) (*big.Int, error) {
	_, minor, err := ParseAmount(amount)
	return minor, err
}

// NormalizeAddress 小写化并校验 EVM 地址。
func NormalizeAddress(text string) (string, error) {
	addr := strings.ToLower(strings.TrimSpace(text))
	if !addressPattern.MatchString(addr) {
		return "", xerrors.New(xerrors.CodeInvalidInput, "地址格式无效")
	}
	return addr, nil
}

// FormatMinor 将最小单位格式化为可读金额。
func FormatMinor(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -Decimals).String()
}
