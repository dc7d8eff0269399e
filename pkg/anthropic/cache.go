package anthropic

// BuildCachedSystemBlocks wraps a system prompt in a single block marked as
// a prompt-cache breakpoint. The classifier sends the same company profile
// with every record, so everything after the first call reads from cache.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{{Text: text, CacheControl: &CacheControl{TTL: ttl}}}
}
