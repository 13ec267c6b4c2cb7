// Package agent – typo.go generates plausible one-character typos:
// keyboard-adjacency substitutions and dropped letters. Used by the
// delivery engine to send a flawed chunk and edit it back right after.
package agent

import (
	"math/rand"
	"strings"
	"unicode"
)

// keyAdjacency maps each letter to its keyboard neighbors, for the two
// layouts the assistant actually types on.
var keyAdjacency = map[rune][]rune{
	// QWERTY
	'q': {'w', 'a'}, 'w': {'q', 'e', 's'}, 'e': {'w', 'r', 'd'},
	'r': {'e', 't', 'f'}, 't': {'r', 'y', 'g'}, 'y': {'t', 'u', 'h'},
	'u': {'y', 'i', 'j'}, 'i': {'u', 'o', 'k'}, 'o': {'i', 'p', 'l'},
	'p': {'o', 'l'},
	'a': {'q', 's', 'z'}, 's': {'a', 'd', 'w', 'x'}, 'd': {'s', 'f', 'e', 'c'},
	'f': {'d', 'g', 'r', 'v'}, 'g': {'f', 'h', 't', 'b'}, 'h': {'g', 'j', 'y', 'n'},
	'j': {'h', 'k', 'u', 'm'}, 'k': {'j', 'l', 'i'}, 'l': {'k', 'o'},
	'z': {'a', 'x'}, 'x': {'z', 'c', 's'}, 'c': {'x', 'v', 'd'},
	'v': {'c', 'b', 'f'}, 'b': {'v', 'n', 'g'}, 'n': {'b', 'm', 'h'},
	'm': {'n', 'j'},
	// ЙЦУКЕН
	'й': {'ц', 'ф'}, 'ц': {'й', 'у', 'ы'}, 'у': {'ц', 'к', 'в'},
	'к': {'у', 'е', 'а'}, 'е': {'к', 'н', 'п'}, 'н': {'е', 'г', 'р'},
	'г': {'н', 'ш', 'о'}, 'ш': {'г', 'щ', 'л'}, 'щ': {'ш', 'з', 'д'},
	'з': {'щ', 'х', 'ж'}, 'х': {'з', 'ъ', 'э'},
	'ф': {'й', 'ы', 'я'}, 'ы': {'ф', 'в', 'ц', 'ч'}, 'в': {'ы', 'а', 'у', 'с'},
	'а': {'в', 'п', 'к', 'м'}, 'п': {'а', 'р', 'е', 'и'}, 'р': {'п', 'о', 'н', 'т'},
	'о': {'р', 'л', 'г', 'ь'}, 'л': {'о', 'д', 'ш', 'б'}, 'д': {'л', 'ж', 'щ', 'ю'},
	'ж': {'д', 'э', 'з'}, 'э': {'ж', 'х'},
	'я': {'ф', 'ч'}, 'ч': {'я', 'с', 'ы'}, 'с': {'ч', 'м', 'в'},
	'м': {'с', 'и', 'а'}, 'и': {'м', 'т', 'п'}, 'т': {'и', 'ь', 'р'},
	'ь': {'т', 'б', 'о'}, 'б': {'ь', 'ю', 'л'}, 'ю': {'б', 'д'},
}

// minTypoWordLen is the smallest word a typo may touch.
const minTypoWordLen = 4

// injectTypo returns text with one plausible typo, or ("", false) when no
// safe mutation exists. The first and last character of the affected word
// are never altered, and the result is always non-empty and different
// from the input.
func injectTypo(text string, rng *rand.Rand) (string, bool) {
	words := strings.Split(text, " ")

	// Candidate words: long enough and with letters in the interior.
	var candidates []int
	for i, w := range words {
		if len([]rune(w)) >= minTypoWordLen && hasInteriorLetter(w) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	idx := candidates[rng.Intn(len(candidates))]
	mutated, ok := mutateWord(words[idx], rng)
	if !ok || mutated == words[idx] {
		return "", false
	}

	words[idx] = mutated
	result := strings.Join(words, " ")
	if result == "" || result == text {
		return "", false
	}
	return result, true
}

// mutateWord applies one interior mutation: adjacency substitution when
// the rune has known neighbors, dropped letter otherwise.
func mutateWord(word string, rng *rand.Rand) (string, bool) {
	runes := []rune(word)

	// Interior letter positions only.
	var positions []int
	for i := 1; i < len(runes)-1; i++ {
		if unicode.IsLetter(runes[i]) {
			positions = append(positions, i)
		}
	}
	if len(positions) == 0 {
		return "", false
	}

	pos := positions[rng.Intn(len(positions))]
	r := unicode.ToLower(runes[pos])

	if neighbors, ok := keyAdjacency[r]; ok && rng.Intn(2) == 0 {
		sub := neighbors[rng.Intn(len(neighbors))]
		if unicode.IsUpper(runes[pos]) {
			sub = unicode.ToUpper(sub)
		}
		runes[pos] = sub
		return string(runes), true
	}

	// Dropped letter.
	dropped := append(append([]rune{}, runes[:pos]...), runes[pos+1:]...)
	return string(dropped), true
}

// hasInteriorLetter reports whether the word has at least one letter that
// is neither its first nor last rune.
func hasInteriorLetter(word string) bool {
	runes := []rune(word)
	for i := 1; i < len(runes)-1; i++ {
		if unicode.IsLetter(runes[i]) {
			return true
		}
	}
	return false
}
