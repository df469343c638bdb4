// Package prompts contains the prompt text the bridge sends to models.
//
// Prompt text is Go code rather than config files because it is program
// logic: the system prompt is assembled from the live front-end state and
// the tool catalog, and tests check its structure. Every function here is
// pure; the same inputs always produce the same string.
//
// Convention: each prompt concern gets its own file with an exported
// function that accepts the dynamic parts and returns the fully
// interpolated text.
package prompts
