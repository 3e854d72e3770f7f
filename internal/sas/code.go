package sas

// Emoji is one entry of the 64-symbol table the short authentication
// string indexes into. Both sides must render the same table, so the
// order here is load-bearing.
type Emoji struct {
	Symbol string
	Name   string
}

var emojiTable = [64]Emoji{
	{"🐶", "Dog"}, {"🐱", "Cat"}, {"🦁", "Lion"}, {"🐎", "Horse"},
	{"🦄", "Unicorn"}, {"🐷", "Pig"}, {"🐘", "Elephant"}, {"🐰", "Rabbit"},
	{"🐼", "Panda"}, {"🐓", "Rooster"}, {"🐧", "Penguin"}, {"🐢", "Turtle"},
	{"🐟", "Fish"}, {"🐙", "Octopus"}, {"🦋", "Butterfly"}, {"🌷", "Flower"},
	{"🌳", "Tree"}, {"🌵", "Cactus"}, {"🍄", "Mushroom"}, {"🌏", "Globe"},
	{"🌙", "Moon"}, {"☁️", "Cloud"}, {"🔥", "Fire"}, {"🍌", "Banana"},
	{"🍎", "Apple"}, {"🍓", "Strawberry"}, {"🌽", "Corn"}, {"🍕", "Pizza"},
	{"🎂", "Cake"}, {"❤️", "Heart"}, {"😀", "Smiley"}, {"🤖", "Robot"},
	{"🎩", "Hat"}, {"👓", "Glasses"}, {"🔧", "Spanner"}, {"🎅", "Santa"},
	{"👍", "Thumbs Up"}, {"☂️", "Umbrella"}, {"⌛", "Hourglass"}, {"⏰", "Clock"},
	{"🎁", "Gift"}, {"💡", "Light Bulb"}, {"📕", "Book"}, {"✏️", "Pencil"},
	{"📎", "Paperclip"}, {"✂️", "Scissors"}, {"🔒", "Lock"}, {"🔑", "Key"},
	{"🔨", "Hammer"}, {"☎️", "Telephone"}, {"🏁", "Flag"}, {"🚂", "Train"},
	{"🚲", "Bicycle"}, {"✈️", "Aeroplane"}, {"🚀", "Rocket"}, {"🏆", "Trophy"},
	{"⚽", "Ball"}, {"🎸", "Guitar"}, {"🎺", "Trumpet"}, {"🔔", "Bell"},
	{"⚓", "Anchor"}, {"🎧", "Headphones"}, {"📁", "Folder"}, {"📌", "Pin"},
}

// DecimalCode maps the first five SAS bytes to three 13-bit groups offset
// by 1000, giving numbers in [1000, 9191].
func DecimalCode(sasBytes []byte) [3]int {
	b := sasBytes
	return [3]int{
		(int(b[0])<<5 | int(b[1])>>3) + 1000,
		(int(b[1]&0x07)<<10 | int(b[2])<<2 | int(b[3])>>6) + 1000,
		(int(b[3]&0x3f)<<7 | int(b[4])>>1) + 1000,
	}
}

// EmojiCode maps the first 42 bits of the SAS bytes to seven table
// entries, six bits each.
func EmojiCode(sasBytes []byte) [7]Emoji {
	bits := uint64(0)
	for _, b := range sasBytes[:6] {
		bits = bits<<8 | uint64(b)
	}
	// 48 bits loaded, the low 6 are unused.
	var out [7]Emoji
	for i := 0; i < 7; i++ {
		shift := uint(48 - 6*(i+1))
		out[i] = emojiTable[(bits>>shift)&0x3f]
	}
	return out
}
