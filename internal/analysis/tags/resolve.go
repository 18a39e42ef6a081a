package tags

import (
	"context"
	"fmt"
	"strings"

	"github.com/zhouzirui/accord/backend/internal/model/chat"
	"github.com/zhouzirui/accord/backend/internal/model/roster"
)

// Resolve turns parsed tokens into mentions with one directory lookup.
// Unknown handles are dropped; repeated handles yield repeated mentions.
func Resolve(ctx context.Context, parsed Parsed, directory roster.Directory) ([]chat.Mention, error) {
	if len(parsed.Tokens) == 0 || directory == nil {
		return nil, nil
	}

	seen := make(map[string]struct{}, len(parsed.Tokens))
	distinct := make([]string, 0, len(parsed.Tokens))
	for _, token := range parsed.Tokens {
		key := strings.ToLower(token)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		distinct = append(distinct, key)
	}

	resolved, err := directory.ResolveHandles(ctx, distinct)
	if err != nil {
		return nil, fmt.Errorf("resolve mention handles: %w", err)
	}

	var mentions []chat.Mention
	for _, token := range parsed.Tokens {
		if id, ok := resolved[strings.ToLower(token)]; ok {
			mentions = append(mentions, chat.Mention{TargetUserID: id, RawToken: token})
		}
	}
	return mentions, nil
}
