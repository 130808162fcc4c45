package model

// EstimateTokens approximates the token count of text. CJK unified ideographs
// weigh 1/1.5 of a token each, every other rune 1/4.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	var cjk, other int
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		} else {
			other++
		}
	}
	return int(float64(cjk)/1.5 + float64(other)/4)
}
