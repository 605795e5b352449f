package canvas

// Palette is the fixed 32-color picker offered to clients. Order matters:
// the UI lays swatches out in this sequence.
var Palette = []string{
	"#000000", "#FFFFFF", "#FF0000", "#00FF00", "#0000FF", "#FFFF00",
	"#FF00FF", "#00FFFF", "#800000", "#008000", "#000080", "#808000",
	"#800080", "#008080", "#C0C0C0", "#808080", "#FFA500", "#A52A2A",
	"#FFD700", "#4B0082", "#F0E68C", "#ADD8E6", "#F08080", "#E0FFFF",
	"#FAFAD2", "#D3D3D3", "#90EE90", "#FFB6C1", "#FFA07A", "#20B2AA",
	"#87CEEB", "#778899",
}
