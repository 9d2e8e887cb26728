// Package region defines the fixed set of ladder regions and their API hosts.
package region

import "fmt"

// Region identifies one geographic ladder shard. The set is fixed; ordinals
// are part of persisted keys and must never be renumbered.
type Region int

const (
	US Region = iota + 1
	EU
	KR
	CN
)

// All lists every region in ordinal order.
func All() []Region {
	return []Region{US, EU, KR, CN}
}

// String returns the canonical short name.
func (r Region) String() string {
	switch r {
	case US:
		return "US"
	case EU:
		return "EU"
	case KR:
		return "KR"
	case CN:
		return "CN"
	default:
		return fmt.Sprintf("Region(%d)", int(r))
	}
}

// Ordinal returns the stable numeric id used in persisted variable keys.
func (r Region) Ordinal() int {
	return int(r)
}

// BaseURL returns the primary API host for the region.
func (r Region) BaseURL() string {
	switch r {
	case US:
		return "https://us.api.blizzard.com"
	case EU:
		return "https://eu.api.blizzard.com"
	case KR:
		return "https://kr.api.blizzard.com"
	case CN:
		return "https://gateway.battlenet.com.cn"
	default:
		return ""
	}
}

// WebBaseURL returns the OAuth-less web host used as a last-resort fallback.
// It is far more aggressively rate limited than the API host.
func (r Region) WebBaseURL() string {
	switch r {
	case US:
		return "https://starcraft2.blizzard.com/en-us"
	case EU:
		return "https://starcraft2.blizzard.com/en-gb"
	case KR:
		return "https://starcraft2.blizzard.com/ko-kr"
	case CN:
		return "https://starcraft2.blizzard.cn/zh-cn"
	default:
		return ""
	}
}

// DefaultRedirect returns the static fallback target used when an automatic
// redirect is needed and no other region is measurably healthier.
func (r Region) DefaultRedirect() Region {
	switch r {
	case US:
		return EU
	case EU:
		return US
	case KR:
		return US
	case CN:
		return KR
	default:
		return US
	}
}

// Parse resolves a region by its short name or ordinal id.
func Parse(s string) (Region, error) {
	switch s {
	case "US", "us", "1":
		return US, nil
	case "EU", "eu", "2":
		return EU, nil
	case "KR", "kr", "3":
		return KR, nil
	case "CN", "cn", "4":
		return CN, nil
	default:
		return 0, fmt.Errorf("unknown region %q", s)
	}
}
